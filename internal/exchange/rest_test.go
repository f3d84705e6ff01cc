package exchange

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coachpo/spotmm/internal/errs"
)

type staticSigner struct{}

func (staticSigner) Sign(query string) string { return "deadbeef" }

func TestExchangeInfoParsesFiltersForRequestedSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","baseAsset":"BTC","quoteAsset":"USDT","filters":[{"filterType":"PRICE_FILTER","tickSize":"0.01"},{"filterType":"LOT_SIZE","stepSize":"0.0001","minQty":"0.0001"}]}]}`))
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "", nil)
	info, err := client.ExchangeInfo(t.Context(), "BTCUSDT")
	if err != nil {
		t.Fatalf("ExchangeInfo: %v", err)
	}
	if info.BaseAsset != "BTC" || info.QuoteAsset != "USDT" {
		t.Fatalf("unexpected assets: %+v", info)
	}
	if len(info.Filters) != 2 {
		t.Fatalf("expected 2 filters, got %d", len(info.Filters))
	}
}

func TestExchangeInfoMissingSymbolIsConfigError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbols":[]}`))
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "", nil)
	_, err := client.ExchangeInfo(t.Context(), "BTCUSDT")
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}

func TestDepthParsesLevelsAsFloat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lastUpdateId":42,"bids":[["100.5","1.25"]],"asks":[["101.0","2.0"]]}`))
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "", nil)
	depth, err := client.Depth(t.Context(), "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth.LastUpdateID != 42 {
		t.Fatalf("LastUpdateID = %d, want 42", depth.LastUpdateID)
	}
	if len(depth.Bids) != 1 || depth.Bids[0].Price != 100.5 || depth.Bids[0].Qty != 1.25 {
		t.Fatalf("unexpected bids: %+v", depth.Bids)
	}
}

func TestTooManyRequestsMapsToRateLimitKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "", nil)
	_, err := client.Depth(t.Context(), "BTCUSDT", 5)
	if !errs.Is(err, errs.KindRateLimit) {
		t.Fatalf("expected KindRateLimit, got %v", err)
	}
}

func TestSignedCallWithoutCredentialsIsConfigError(t *testing.T) {
	client := NewRESTClient("http://example.invalid", "", nil)
	_, err := client.AccountInfo(t.Context())
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig for missing credentials, got %v", err)
	}
}

func TestSignedCallAttachesSignatureAndAPIKeyHeader(t *testing.T) {
	var gotQuery, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-MBX-APIKEY")
		_, _ = w.Write([]byte(`{"balances":[{"asset":"USDT","free":"100","locked":"0"}],"updateTime":123}`))
	}))
	defer srv.Close()

	client := NewRESTClient(srv.URL, "key123", staticSigner{})
	account, err := client.AccountInfo(t.Context())
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if gotHeader != "key123" {
		t.Fatalf("expected API key header to be set, got %q", gotHeader)
	}
	if !containsSignature(gotQuery) {
		t.Fatalf("expected signature in query, got %q", gotQuery)
	}
	if len(account.Balances) != 1 || account.Balances[0].Free != 100 {
		t.Fatalf("unexpected balances: %+v", account.Balances)
	}
}

func containsSignature(query string) bool {
	for i := 0; i+len("signature=") <= len(query); i++ {
		if query[i:i+len("signature=")] == "signature=" {
			return true
		}
	}
	return false
}
