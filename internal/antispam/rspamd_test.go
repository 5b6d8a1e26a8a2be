package antispam

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newRspamdServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusOK)
		case "/checkv2":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(body))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRspamdScan(t *testing.T) {
	t.Run("CleanMessage", func(t *testing.T) {
		srv := newRspamdServer(t, `{"score": 1.2, "required_score": 15, "action": "no action", "symbols": {}}`)
		scanner := NewRspamd(Config{Address: srv.URL, Threshold: 6.0})
		if err := scanner.Connect(); err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		res, err := scanner.Scan(context.Background(), []byte("hello"))
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if res.IsSpam {
			t.Errorf("expected clean verdict, got spam with score %.1f", res.Score)
		}
	})

	t.Run("SpamMessage", func(t *testing.T) {
		srv := newRspamdServer(t, `{"score": 11.5, "required_score": 15, "action": "reject",
			"symbols": {"BAYES_SPAM": {"name": "BAYES_SPAM", "score": 5.1}, "DKIM_INVALID": {"name": "DKIM_INVALID", "score": 1.0}}}`)
		scanner := NewRspamd(Config{Address: srv.URL, Threshold: 6.0})
		if err := scanner.Connect(); err != nil {
			t.Fatalf("connect failed: %v", err)
		}

		res, err := scanner.Scan(context.Background(), []byte("buy now"))
		if err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		if !res.IsSpam {
			t.Error("expected spam verdict")
		}
		if !res.HasSymbol("DKIM_INVALID") {
			t.Errorf("expected DKIM_INVALID symbol, got %v", res.Symbols)
		}
	})

	t.Run("ScanBeforeConnect", func(t *testing.T) {
		scanner := NewRspamd(Config{Address: "http://localhost:1"})
		if _, err := scanner.Scan(context.Background(), []byte("x")); err != ErrNotConnected {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestStaticScanner(t *testing.T) {
	s := &Static{Result: ScanResult{Score: 9, Threshold: 6}}
	res, err := s.Scan(context.Background(), nil)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !res.IsSpam {
		t.Error("expected spam verdict from static scanner")
	}
}
