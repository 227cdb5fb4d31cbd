package sheets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"google.golang.org/api/googleapi"

	"github.com/nsokolov/pricebot/internal/models"
)

// mockSheetsAPI implements sheetsAPI for testing.
type mockSheetsAPI struct {
	values    [][]any
	valuesErr error
	getCalls  int
	titles    map[int64]string
	listErr   error
	listCalls int
}

func (m *mockSheetsAPI) GetValues(ctx context.Context, spreadsheetID, valueRange string) ([][]any, error) {
	m.getCalls++
	if m.valuesErr != nil {
		return nil, m.valuesErr
	}
	return m.values, nil
}

func (m *mockSheetsAPI) ListSheets(ctx context.Context, spreadsheetID string) (map[int64]string, error) {
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.titles, nil
}

func newTestClient(api sheetsAPI, opts ...Option) *Client {
	cfg := Opts{SheetName: "Прайс", CacheTTL: defaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Client{
		api:           api,
		spreadsheetID: "test-spreadsheet",
		gid:           cfg.SheetGID,
		sheetName:     cfg.SheetName,
		cache:         expirable.NewLRU[string, [][]string](defaultCacheSize, nil, cfg.CacheTTL),
	}
}

func priceGrid() [][]any {
	return [][]any{
		{"Название", "Цена", "Наличие"},
		{"iPhone 17 256 Mist Blue 1Sim", "1;55000", "да"},
		{"iphone 17 256 mist blue 1sim", "1;54000", "да"},
		{"iPhone Air 512 Sky Blue eSim", "0;", "нет"},
	}
}

func TestSearchExact_CaseInsensitive(t *testing.T) {
	api := &mockSheetsAPI{values: priceGrid()}
	client := newTestClient(api)

	rows, err := client.SearchExact(context.Background(), "Название", "IPHONE 17 256 MIST BLUE 1SIM")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 matching rows, got %d", len(rows))
	}
	if rows[0]["Цена"] != "1;55000" {
		t.Errorf("unexpected price cell: %q", rows[0]["Цена"])
	}
}

func TestSearchExact_NoSubstringMatch(t *testing.T) {
	api := &mockSheetsAPI{values: priceGrid()}
	client := newTestClient(api)

	rows, err := client.SearchExact(context.Background(), "Название", "iPhone 17")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("substring must not match, got %d rows", len(rows))
	}
}

func TestSearchExact_ColumnNotFound(t *testing.T) {
	api := &mockSheetsAPI{values: priceGrid()}
	client := newTestClient(api)

	_, err := client.SearchExact(context.Background(), "Несуществующая", "x")
	if !errors.Is(err, models.ErrColumnNotFound) {
		t.Errorf("expected ErrColumnNotFound, got %v", err)
	}
}

func TestSearchExact_ShortRowYieldsEmptyCells(t *testing.T) {
	api := &mockSheetsAPI{values: [][]any{
		{"Название", "Цена"},
		{"iPhone 17 256 Sage 1Sim"}, // price cell missing
	}}
	client := newTestClient(api)

	rows, err := client.SearchExact(context.Background(), "Название", "iPhone 17 256 Sage 1Sim")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(rows) != 1 || rows[0]["Цена"] != "" {
		t.Errorf("expected empty price cell for short row, got %+v", rows)
	}
}

func TestSnapshotCached(t *testing.T) {
	api := &mockSheetsAPI{values: priceGrid()}
	client := newTestClient(api)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := client.SearchExact(ctx, "Название", "iPhone Air 512 Sky Blue eSim"); err != nil {
			t.Fatalf("search %d failed: %v", i, err)
		}
	}
	if api.getCalls != 1 {
		t.Errorf("expected 1 API read for 5 searches, got %d", api.getCalls)
	}
}

func TestSnapshotCacheExpires(t *testing.T) {
	api := &mockSheetsAPI{values: priceGrid()}
	client := newTestClient(api, WithCacheTTL(time.Millisecond))

	ctx := context.Background()
	if _, err := client.Headers(ctx); err != nil {
		t.Fatalf("first read failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := client.Headers(ctx); err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if api.getCalls != 2 {
		t.Errorf("expected cache to expire, got %d API reads", api.getCalls)
	}
}

func TestQuotaErrorMapped(t *testing.T) {
	api := &mockSheetsAPI{valuesErr: &googleapi.Error{Code: 429, Message: "Quota exceeded"}}
	client := newTestClient(api)

	_, err := client.SearchExact(context.Background(), "Название", "x")
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded for 429, got %v", err)
	}
}

func TestQuotaErrorMappedByReason(t *testing.T) {
	api := &mockSheetsAPI{valuesErr: &googleapi.Error{
		Code:   403,
		Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
	}}
	client := newTestClient(api)

	_, err := client.SearchExact(context.Background(), "Название", "x")
	if !errors.Is(err, models.ErrQuotaExceeded) {
		t.Errorf("expected ErrQuotaExceeded for rateLimitExceeded, got %v", err)
	}
}

func TestOtherAPIErrorsPassThrough(t *testing.T) {
	api := &mockSheetsAPI{valuesErr: &googleapi.Error{Code: 500}}
	client := newTestClient(api)

	_, err := client.SearchExact(context.Background(), "Название", "x")
	if err == nil || errors.Is(err, models.ErrQuotaExceeded) {
		t.Errorf("expected plain error for 500, got %v", err)
	}
}

func TestHeaders(t *testing.T) {
	api := &mockSheetsAPI{values: priceGrid()}
	client := newTestClient(api)

	headers, err := client.Headers(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(headers) != 3 || headers[0] != "Название" || headers[1] != "Цена" {
		t.Errorf("unexpected headers: %v", headers)
	}
}

func TestResolveSheetNameByGID(t *testing.T) {
	api := &mockSheetsAPI{
		values: priceGrid(),
		titles: map[int64]string{1815081042: "Прайс октябрь"},
	}
	client := newTestClient(api, WithSheetName(""), WithSheetGID(1815081042))

	headers, err := client.Headers(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(headers) == 0 {
		t.Fatal("expected headers after gid resolution")
	}
	// Second call must reuse the resolved title.
	if _, err := client.Headers(context.Background()); err != nil {
		t.Fatalf("second read failed: %v", err)
	}
	if api.listCalls != 1 {
		t.Errorf("expected gid resolved once, got %d list calls", api.listCalls)
	}
}

func TestResolveSheetNameUnknownGID(t *testing.T) {
	api := &mockSheetsAPI{titles: map[int64]string{1: "Лист1"}}
	client := newTestClient(api, WithSheetName(""), WithSheetGID(99))

	_, err := client.Headers(context.Background())
	if err == nil {
		t.Error("expected error for unknown gid, got nil")
	}
}
