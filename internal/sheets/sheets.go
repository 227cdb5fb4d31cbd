// Package sheets provides the spreadsheet-backed price lookup service.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sheetsv4 "google.golang.org/api/sheets/v4"

	"github.com/nsokolov/pricebot/internal/models"
)

// readRange covers every column the price sheet uses.
const readRange = "A:Z"

// Snapshot cache defaults. The sheet changes a few times a day at most, while
// one multi-product message can trigger several lookups in a burst; a short
// TTL keeps those bursts on one API read.
const (
	defaultCacheTTL  = 30 * time.Second
	defaultCacheSize = 4
)

// sheetsAPI defines the minimal Google Sheets surface the client depends on.
type sheetsAPI interface {
	GetValues(ctx context.Context, spreadsheetID, valueRange string) ([][]any, error)
	ListSheets(ctx context.Context, spreadsheetID string) (map[int64]string, error)
}

// googleSheetsAPI adapts the concrete Sheets v4 service to sheetsAPI.
type googleSheetsAPI struct {
	svc *sheetsv4.Service
}

func (g googleSheetsAPI) GetValues(ctx context.Context, spreadsheetID, valueRange string) ([][]any, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(spreadsheetID, valueRange).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	return resp.Values, nil
}

func (g googleSheetsAPI) ListSheets(ctx context.Context, spreadsheetID string) (map[int64]string, error) {
	resp, err := g.svc.Spreadsheets.Get(spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	titles := make(map[int64]string, len(resp.Sheets))
	for _, s := range resp.Sheets {
		if s.Properties != nil {
			titles[s.Properties.SheetId] = s.Properties.Title
		}
	}
	return titles, nil
}

// Opts holds configuration for the price lookup client.
type Opts struct {
	SpreadsheetID   string
	CredentialsPath string
	SheetGID        int64
	SheetName       string
	CacheTTL        time.Duration
}

// Option defines a configuration option for the price lookup client.
type Option func(*Opts)

// WithSheetGID selects the worksheet by numeric gid; the title is resolved at
// first use.
func WithSheetGID(gid int64) Option {
	return func(o *Opts) { o.SheetGID = gid }
}

// WithSheetName selects the worksheet by title, skipping gid resolution.
func WithSheetName(name string) Option {
	return func(o *Opts) { o.SheetName = name }
}

// WithCacheTTL overrides how long a fetched sheet snapshot is reused.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.CacheTTL = ttl }
}

// Client is a read-only exact-match search service over one worksheet of a
// Google spreadsheet. Whole-sheet snapshots are cached briefly so a burst of
// per-product lookups costs one API read.
type Client struct {
	api           sheetsAPI
	spreadsheetID string
	gid           int64
	cache         *expirable.LRU[string, [][]string]

	mu        sync.Mutex
	sheetName string
}

// NewClient initializes the price lookup client with service-account JWT
// credentials. Either a sheet gid or a sheet name must be configured.
func NewClient(ctx context.Context, spreadsheetID, credentialsPath string, opts ...Option) (*Client, error) {
	cfg := Opts{SpreadsheetID: spreadsheetID, CredentialsPath: credentialsPath, CacheTTL: defaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SheetGID == 0 && cfg.SheetName == "" {
		return nil, fmt.Errorf("neither sheet gid nor sheet name configured")
	}

	data, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	jwt, err := google.JWTConfigFromJSON(data, sheetsv4.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service-account credentials: %w", err)
	}
	svc, err := sheetsv4.NewService(ctx, option.WithTokenSource(jwt.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}
	return &Client{
		api:           googleSheetsAPI{svc: svc},
		spreadsheetID: cfg.SpreadsheetID,
		gid:           cfg.SheetGID,
		sheetName:     cfg.SheetName,
		cache:         expirable.NewLRU[string, [][]string](defaultCacheSize, nil, cfg.CacheTTL),
	}, nil
}

// Headers returns the first row of the worksheet.
func (c *Client) Headers(ctx context.Context) ([]string, error) {
	grid, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(grid) == 0 {
		return nil, nil
	}
	return grid[0], nil
}

// SearchExact returns every data row whose cell in the named column equals
// value, compared case-insensitively after trimming. A missing column yields
// ErrColumnNotFound; exhausted API quota yields an error matching
// ErrQuotaExceeded.
func (c *Client) SearchExact(ctx context.Context, column, value string) ([]models.SheetRow, error) {
	grid, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if len(grid) == 0 {
		return nil, nil
	}
	headers := grid[0]
	colIdx := -1
	for i, h := range headers {
		if h == column {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return nil, fmt.Errorf("column %q: %w", column, models.ErrColumnNotFound)
	}

	want := strings.ToLower(strings.TrimSpace(value))
	var results []models.SheetRow
	for _, row := range grid[1:] {
		cell := ""
		if colIdx < len(row) {
			cell = row[colIdx]
		}
		if strings.ToLower(strings.TrimSpace(cell)) != want {
			continue
		}
		entry := make(models.SheetRow, len(headers))
		for i, h := range headers {
			if i < len(row) {
				entry[h] = row[i]
			} else {
				entry[h] = ""
			}
		}
		results = append(results, entry)
	}
	return results, nil
}

// snapshot returns the worksheet grid, from cache when fresh.
func (c *Client) snapshot(ctx context.Context) ([][]string, error) {
	name, err := c.resolveSheetName(ctx)
	if err != nil {
		return nil, err
	}
	if grid, ok := c.cache.Get(name); ok {
		return grid, nil
	}
	values, err := c.api.GetValues(ctx, c.spreadsheetID, fmt.Sprintf("%s!%s", name, readRange))
	if err != nil {
		return nil, wrapQuota(fmt.Errorf("failed to fetch sheet %q: %w", name, err))
	}
	grid := make([][]string, len(values))
	for i, row := range values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		grid[i] = cells
	}
	c.cache.Add(name, grid)
	slog.Debug("Sheets.snapshot: sheet fetched", "sheet", name, "rows", len(grid))
	return grid, nil
}

// resolveSheetName returns the configured worksheet title, resolving it from
// the gid on first use.
func (c *Client) resolveSheetName(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sheetName != "" {
		return c.sheetName, nil
	}
	titles, err := c.api.ListSheets(ctx, c.spreadsheetID)
	if err != nil {
		return "", wrapQuota(fmt.Errorf("failed to list sheets: %w", err))
	}
	name, ok := titles[c.gid]
	if !ok {
		return "", fmt.Errorf("no sheet with gid %d in spreadsheet", c.gid)
	}
	slog.Info("Sheets.resolveSheetName: resolved worksheet", "gid", c.gid, "sheet", name)
	c.sheetName = name
	return name, nil
}

// wrapQuota maps a rate-limit API error onto the sentinel the dispatcher
// short-circuits on. Other errors pass through unchanged.
func wrapQuota(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == 429 {
		return fmt.Errorf("%v: %w", err, models.ErrQuotaExceeded)
	}
	for _, e := range apiErr.Errors {
		if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
			return fmt.Errorf("%v: %w", err, models.ErrQuotaExceeded)
		}
	}
	return err
}
