// Package classifier extracts and normalizes product requests from free-form
// chat messages using an OpenAI-compatible completion API.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nsokolov/pricebot/internal/models"
)

// DefaultBaseURL points at the AIML API gateway, which serves OpenAI-shaped
// chat completions for third-party models.
const DefaultBaseURL = "https://api.aimlapi.com/v1"

// DefaultModel is cheap and fast enough for structured extraction.
const DefaultModel = "deepseek/deepseek-chat"

// maxCompletionTokens is kept small to stop runaway repetitive generations.
const maxCompletionTokens = 300

// systemPrompt instructs the model to return a bare JSON array of
// {original, normalized} pairs, one per message line, with normalized empty
// for lines that do not mention a supported product.
const systemPrompt = `Ты - эксперт по Apple iPhone. Твоя задача: найти iPhone 17 или iPhone Air в сообщении и нормализовать их названия.

РАБОТАЕМ ТОЛЬКО С: iPhone 17, iPhone 17 Pro, iPhone 17 Pro Max, iPhone Air

ФОРМАТ ОТВЕТА: ТОЛЬКО JSON массив! БЕЗ markdown, БЕЗ комментариев!

Для КАЖДОГО товара верни объект:
- "original": ПОЛНАЯ строка из сообщения (ВСЕ как есть, НЕ УБИРАЙ НИЧЕГО!)
- "normalized": полное название в формате "iPhone [Модель] [Память] [Цвет] [SIM]"

КРИТИЧНО:
- В поле "original" должна быть ТОЧНО та же строка, что и в сообщении пользователя!
- Обрабатывай КАЖДУЮ строку отдельно
- Если строка НЕ содержит iPhone 17 или Air, то "normalized" должен быть пустой строкой ""

ДОСТУПНЫЕ МОДЕЛИ (ТОЛЬКО ЭТИ!):

iPhone 17:
   Цвета: Mist Blue, Sage, White, Black, Lavender
   Память: 256GB, 512GB
   SIM: 1Sim, 2Sim, eSim

iPhone 17 Pro:
   Цвета: Cosmic Orange, Deep Blue, Silver
   Память: 256GB, 512GB, 1TB
   SIM: 1Sim, eSim

iPhone 17 Pro Max:
   Цвета: Cosmic Orange, Deep Blue, Silver
   Память: 256GB, 512GB, 1TB, 2TB
   SIM: 1Sim, eSim

iPhone Air:
   Цвета: Cloud White, Light Gold, Sky Blue, Space Black
   Память: 256GB, 512GB, 1TB
   SIM: eSim только

ПРАВИЛА:

1. МОДЕЛЬ:
   - "17" → "iPhone 17"
   - "17 про/pro" → "iPhone 17 Pro"
   - "17 про макс/pro max" → "iPhone 17 Pro Max"
   - "17 air/air" → "iPhone Air"

2. ПАМЯТЬ: 256GB, 512GB, 1TB, 2TB (если не указана → 256GB)

3. ЦВЕТ:
   iPhone 17: Mist Blue, Sage, White, Black, Lavender
   iPhone 17 Pro/Pro Max: Cosmic Orange, Deep Blue, Silver
   iPhone Air: Cloud White, Light Gold, Sky Blue, Space Black

   Если цвет не найден → используй похожий (orange → Cosmic Orange)

4. SIM: 1Sim, 2Sim, eSim (если не указано → 1Sim, для Air → eSim)

ПРИМЕРЫ:

"Куплю 17 256 синий" → [{"original": "Куплю 17 256 синий", "normalized": "iPhone 17 256 Mist Blue 1Sim"}]
"17 про 512 orange" → [{"original": "17 про 512 orange", "normalized": "iPhone 17 Pro 512 Cosmic Orange 1Sim"}]

МНОГОСТРОЧНЫЕ СООБЩЕНИЯ:
"КУПЛЮ\n\n17 Pro 256 silver sim - 1шт" → [{"original": "КУПЛЮ", "normalized": ""}, {"original": "17 Pro 256 silver sim - 1шт", "normalized": "iPhone 17 Pro 256 Silver 1Sim"}]

ВАЖНО: Если НЕТ iPhone 17 или Air → верни []`

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter bridges the concrete OpenAI SDK service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the classifier client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Option defines a configuration option for the classifier client.
type Option func(*Opts)

// WithAPIKey sets the API key explicitly instead of reading AIMLAPI_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL overrides the completion API endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel overrides the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// Client wraps a chat-completion service behind a typed classification
// contract. The upstream is a free-text service, so every completion passes a
// sanitation boundary before it is trusted: markdown fences are stripped, a
// JSON array is extracted, and pathologically repetitive output is rejected.
type Client struct {
	chat  chatService
	model string
}

// NewClient initializes a classifier client. The API key falls back to the
// AIMLAPI_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL, Model: DefaultModel}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("AIMLAPI_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("AIMLAPI_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey), option.WithBaseURL(cfg.BaseURL))
	return &Client{chat: completionsAdapter{svc: cli.Chat.Completions}, model: cfg.Model}, nil
}

// Classify sends the raw message text to the completion API and returns the
// extracted product queries. A malformed or suspicious completion yields an
// error; the caller treats any error as non-fatal for that one message.
func (c *Client) Classify(ctx context.Context, text string) ([]models.ProductQuery, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		MaxTokens:   openai.Int(maxCompletionTokens),
		Temperature: openai.Float(0.3),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.ErrNoChoicesReturned
	}
	raw := resp.Choices[0].Message.Content
	slog.Debug("Classifier.Classify: completion received", "length", len(raw))

	if err := rejectSuspicious(raw); err != nil {
		return nil, err
	}
	payload := extractJSONArray(stripFences(raw))
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in completion: %w", models.ErrSuspiciousCompletion)
	}

	var entries []struct {
		Original   string `json:"original"`
		Normalized string `json:"normalized"`
	}
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		return nil, fmt.Errorf("malformed completion JSON: %w", err)
	}

	products := make([]models.ProductQuery, 0, len(entries))
	for _, e := range entries {
		products = append(products, models.ProductQuery{Original: e.Original, Normalized: e.Normalized})
	}
	return products, nil
}

// singleCharRun reports whether text is one rune repeated 50 or more times, a
// known degenerate mode of small instruct models.
func singleCharRun(text string) bool {
	runes := []rune(text)
	if len(runes) < 50 {
		return false
	}
	for _, r := range runes[1:] {
		if r != runes[0] {
			return false
		}
	}
	return true
}

// rejectSuspicious screens a long completion for degenerate repetition: a
// single repeated character, or the same non-empty line more than five times
// in a row. Short completions pass unexamined.
func rejectSuspicious(text string) error {
	if len(text) <= 200 {
		return nil
	}
	trimmed := strings.TrimSpace(text)
	if singleCharRun(trimmed) {
		return fmt.Errorf("repeated character %q: %w", []rune(trimmed)[0], models.ErrSuspiciousCompletion)
	}
	repeats := 0
	last := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line == last {
			repeats++
			if repeats > 5 {
				return fmt.Errorf("repeated phrase %q: %w", line, models.ErrSuspiciousCompletion)
			}
		} else {
			repeats = 0
			last = line
		}
	}
	return nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

// extractJSONArray returns the first top-level JSON array in text, or "" when
// none is found. Models occasionally prepend or append commentary despite the
// prompt; the bracketed payload is still usable.
func extractJSONArray(text string) string {
	start := strings.Index(text, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
