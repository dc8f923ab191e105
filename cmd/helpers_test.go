package main

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/config"
	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/registry"
	"github.com/sells-group/pricescout/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Store:     config.StoreConfig{Driver: "none"},
		Scrape:    config.ScrapeConfig{TierTimeoutSecs: 5, BrowserTimeoutSecs: 5, BackoffMs: []int{1, 1, 1}, Concurrency: 2},
		Session:   config.SessionConfig{RatePerSecond: 1000, Burst: 100, FailureThreshold: 3, ResetTimeoutSecs: 60, DialTimeoutSecs: 5},
		Browser:   config.BrowserConfig{Engine: "none"},
		Discovery: config.DiscoveryConfig{DefaultTerm: "paper tissue", MaxResults: 5},
		Server:    config.ServerConfig{Port: 8080, AllowedOrigins: []string{"https://dash.example.com"}},
		Log:       config.LogConfig{Level: "info", Format: "json"},
	}
}

// newShop serves a product page at /p/{n} priced £1.{n}0 and a search page
// at /search.
func newShop(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/p/", func(w http.ResponseWriter, r *http.Request) {
		n := r.URL.Path[len("/p/"):]
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><body><h1>Tissues %s</h1><span class="price">£1.%s0</span></body></html>`, n, n)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><body><ul>`+
			`<li class="tile"><a href="/p/1"><span class="name">Kleenex Original Tissues</span></a><span class="price">£1.10</span></li>`+
			`<li class="tile"><a href="/p/2"><span class="name">Andrex Supremeclean Tissue</span></a><span class="price">£1.20</span></li>`+
			`</ul></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func shopRegistry(t *testing.T, baseURL string) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]model.RetailerProfile{{
		SchemaVersion: model.RetailerSchemaVersion,
		ID:            "shop",
		Name:          "Corner Shop",
		ShortCode:     "SHOP",
		BaseURL:       baseURL,
		Currency:      "GBP",
		Selectors:     model.Selectors{Price: []string{".price"}},
		Search: model.SearchSelectors{
			URLTemplate: baseURL + "/search?q={query}",
			Item:        ".tile",
			Title:       ".name",
			Link:        "a",
			Price:       ".price",
		},
	}}, model.RetailerSchemaVersion)
	require.NoError(t, err)
	return reg
}

func newTestEnv(t *testing.T, withStore bool) (*engineEnv, *httptest.Server) {
	t.Helper()
	shop := newShop(t)
	var st store.Store
	if withStore {
		sq, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		require.NoError(t, sq.Migrate(t.Context()))
		t.Cleanup(func() { sq.Close() }) //nolint:errcheck
		st = sq
	}
	env, err := newEngineEnv(testConfig(), shopRegistry(t, shop.URL), nil, st, nil)
	require.NoError(t, err)
	return env, shop
}
