package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/raw.png":
			// no Content-Type and no server-side sniffing
			w.Header()["Content-Type"] = nil
			w.Write([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"))
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Connection", "close")
			w.Write([]byte(r.Method + " " + r.URL.RawQuery + " " + r.Header.Get("X-Trace") + " " + string(body)))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer upstream.Close()

	base, _ := url.Parse(upstream.URL)
	f := NewHTTPFetcher(upstream.Client(), base)
	ctx := context.Background()

	t.Run("sniffs missing content type", func(t *testing.T) {
		entry, err := f.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/raw.png", nil))
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if got := entry.Header.Get("Content-Type"); got != "image/png" {
			t.Errorf("Content-Type = %q, want image/png", got)
		}
	})

	t.Run("forwards method, query, headers and body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/echo?a=1", strings.NewReader("payload"))
		req.Header.Set("X-Trace", "t1")
		entry, err := f.Fetch(ctx, req)
		if err != nil {
			t.Fatalf("Fetch failed: %v", err)
		}
		if string(entry.Body) != "POST a=1 t1 payload" {
			t.Errorf("body = %q", entry.Body)
		}
		if entry.Header.Get("Connection") != "" {
			t.Error("hop-by-hop header kept")
		}
	})

	t.Run("oversized body is an error", func(t *testing.T) {
		small := NewHTTPFetcher(upstream.Client(), base)
		small.MaxBodyBytes = 8
		_, err := small.Fetch(ctx, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("long payload")))
		if err == nil || !strings.Contains(err.Error(), "exceeds 8 bytes") {
			t.Fatalf("err = %v, want size error", err)
		}

		small.MaxBodyBytes = int64(len("POST   abc"))
		entry, err := small.Fetch(ctx, httptest.NewRequest(http.MethodPost, "/echo", strings.NewReader("abc")))
		if err != nil {
			t.Fatalf("body at the limit failed: %v", err)
		}
		if string(entry.Body) != "POST   abc" {
			t.Errorf("body = %q", entry.Body)
		}
	})

	t.Run("5xx is an upstream error", func(t *testing.T) {
		_, err := f.Fetch(ctx, httptest.NewRequest(http.MethodGet, "/fail", nil))
		var upErr *UpstreamError
		if !errors.As(err, &upErr) || upErr.Response.Status != http.StatusBadGateway {
			t.Fatalf("err = %v, want UpstreamError 502", err)
		}
	})
}
