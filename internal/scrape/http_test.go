package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pricescout/internal/model"
	"github.com/sells-group/pricescout/internal/session"
)

func fetchVia(t *testing.T, f *HTTPFetcher, mgr *session.Manager, profile model.RetailerProfile, target string) (*session.Session, error) {
	t.Helper()
	sess := mgr.Client(profile.ID)
	_, err := f.Fetch(context.Background(), FetchRequest{URL: target, Profile: profile, Session: sess})
	return sess, err
}

func TestHTTPFetcher_CleanPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "visitor", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body><span class="price">£2.10</span></body></html>`))
	}))
	defer srv.Close()

	profile := shopProfile()
	profile.BaseURL = srv.URL
	sess := fastSessions().Client(profile.ID)

	page, err := NewPlainFetcher().Fetch(context.Background(), FetchRequest{URL: srv.URL + "/p/1", Profile: profile, Session: sess})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, page.HTML, "£2.10")
	assert.Equal(t, srv.URL+"/p/1", page.URL)

	u, _ := url.Parse(srv.URL)
	cookies := sess.Cookies(u)
	require.Len(t, cookies, 1)
	assert.Equal(t, "visitor", cookies[0].Name)
}

func TestHTTPFetcher_HeaderProfiles(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`<p class="price">£1.00</p>`))
	}))
	defer srv.Close()

	profile := shopProfile()
	profile.BaseURL = srv.URL + "/"

	_, err := fetchVia(t, NewPlainFetcher(), fastSessions(), profile, srv.URL+"/p/1")
	require.NoError(t, err)
	assert.Contains(t, got.Get("User-Agent"), "pricescout")
	assert.Empty(t, got.Get("Referer"))

	_, err = fetchVia(t, NewProtectedFetcher(), fastSessions(), profile, srv.URL+"/p/1")
	require.NoError(t, err)
	assert.Contains(t, got.Get("User-Agent"), "Chrome/")
	assert.Equal(t, "en-GB,en;q=0.9", got.Get("Accept-Language"))
	assert.Equal(t, profile.BaseURL, got.Get("Referer"))
}

func TestHTTPFetcher_StatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"service unavailable", http.StatusServiceUnavailable, true},
		{"too many requests", http.StatusTooManyRequests, true},
		{"not found", http.StatusNotFound, false},
		{"gone", http.StatusGone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("down for maintenance"))
			}))
			defer srv.Close()

			_, err := fetchVia(t, NewPlainFetcher(), fastSessions(), shopProfile(), srv.URL)
			var te *TransportError
			require.True(t, errors.As(err, &te), "got %v", err)
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, TierPlainHTTP, te.Tier)
			assert.Equal(t, tt.retryable, te.Retryable())
		})
	}
}

func TestHTTPFetcher_CloudflareChallenge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("cf-ray", "8a1b2c3d4e5f-LHR")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("<html><title>Just a moment...</title></html>"))
	}))
	defer srv.Close()

	_, err := fetchVia(t, NewProtectedFetcher(), fastSessions(), shopProfile(), srv.URL)
	var be *BlockedError
	require.True(t, errors.As(err, &be), "got %v", err)
	assert.Equal(t, BlockCloudflare, be.Type)
	assert.Equal(t, TierProtectedHTTP, be.Tier)
	assert.False(t, IsTransportError(err))
}

func TestHTTPFetcher_EmptyBodyIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := fetchVia(t, NewPlainFetcher(), fastSessions(), shopProfile(), srv.URL)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.True(t, te.Retryable())
	assert.True(t, retryableTransport(err))
}

func TestHTTPFetcher_DecodesLegacyCharset(t *testing.T) {
	// "£3.60" in windows-1252.
	body := []byte("<p class=\"price\">\xa33.60</p>")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=windows-1252")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	profile := shopProfile()
	page, err := NewPlainFetcher().Fetch(context.Background(), FetchRequest{
		URL: srv.URL, Profile: profile, Session: fastSessions().Client(profile.ID),
	})
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "£3.60")
}

func TestHTTPFetcher_CancelledBeforeRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	profile := shopProfile()
	_, err := NewPlainFetcher().Fetch(ctx, FetchRequest{
		URL: "https://shop.example/p/1", Profile: profile, Session: fastSessions().Client(profile.ID),
	})
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Zero(t, te.StatusCode)
}

func TestHTTPFetcher_MockTransport(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, "https://shop.example/p/1",
		httpmock.NewStringResponder(http.StatusOK, `<div class="price">£5.49</div>`))
	mock.RegisterResponder(http.MethodGet, "https://shop.example/p/2",
		httpmock.NewStringResponder(http.StatusBadGateway, "bad gateway"))

	mgr := session.NewManager(session.Options{RatePerSecond: 1000, Burst: 100, HTTP1Transport: mock})
	profile := shopProfile()

	page, err := NewPlainFetcher().Fetch(context.Background(), FetchRequest{
		URL: "https://shop.example/p/1", Profile: profile, Session: mgr.Client(profile.ID),
	})
	require.NoError(t, err)
	assert.Contains(t, page.HTML, "£5.49")

	_, err = fetchVia(t, NewProtectedFetcher(), mgr, profile, "https://shop.example/p/2")
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.True(t, te.Retryable())

	assert.Equal(t, 2, mock.GetTotalCallCount())
}
