package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/gate"
	"github.com/mailflowd/mailflow/internal/message"
	"github.com/mailflowd/mailflow/internal/publisher"
	"github.com/mailflowd/mailflow/internal/service"
	"github.com/mailflowd/mailflow/internal/store"
)

const signedPayload = "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; bh=x; b=y\r\n" +
	"From: alice@example.com\r\nTo: bob@remote.test\r\nSubject: hello\r\n" +
	"Message-ID: <m1@example.com>\r\n\r\nbody\r\n"

const operatorKey = "test-operator-key"

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	st := store.NewMemory(0)
	b := broker.NewMemory(time.Minute)
	registry := gate.NewRegistry([]gate.Domain{
		{Name: "example.com", Enabled: true},
	}, nil, nil)
	g := gate.New(registry, nil, nil, nil, gate.Config{}, nil)
	router := publisher.NewRouter(nil, nil)
	pub := publisher.New(st, b, router, publisher.DefaultConfig(), nil)
	svc := service.New(st, g, pub, nil, nil)

	hash, err := bcrypt.GenerateFromPassword([]byte(operatorKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	s := NewServer(Config{
		APIKeys: map[string]string{"ops": string(hash)},
	}, svc, nil, nil)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func doJSON(t *testing.T, method, url, key string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func submit(t *testing.T, ts *httptest.Server, sender string) (string, *http.Response, map[string]any) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages", "", service.SubmitRequest{
		Sender:     sender,
		Recipients: []string{"bob@remote.test"},
		Raw:        []byte(signedPayload),
	})
	id, _ := body["id"].(string)
	return id, resp, body
}

func TestSubmitAndGet(t *testing.T) {
	_, ts := newTestServer(t)

	id, resp, body := submit(t, ts, "alice@example.com")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	if body["status"] != string(message.StatusAccepted) {
		t.Fatalf("status = %v, want accepted", body["status"])
	}
	if id == "" {
		t.Fatal("response carries no id")
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/"+id, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if body["sender"] != "alice@example.com" {
		t.Fatalf("sender = %v", body["sender"])
	}
}

func TestSubmitUnknownDomainRefused(t *testing.T) {
	_, ts := newTestServer(t)

	id, resp, body := submit(t, ts, "eve@nowhere.test")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("submit status = %d, want 422", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatal("expected a verdict in the response")
	}

	// Refused submissions stay inspectable.
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/"+id, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != string(message.StatusBlocked) {
		t.Fatalf("status = %v, want blocked", body["status"])
	}
}

func TestGetUnknownMessage(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages/no-such-id", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestActionAuthorization(t *testing.T) {
	_, ts := newTestServer(t)

	id, _, _ := submit(t, ts, "eve@nowhere.test") // lands in blocked

	// Anonymous callers are senders; force_accept is operator only.
	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages/"+id+"/actions", "",
		map[string]string{"action": "force_accept"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("sender force_accept status = %d, want 403", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages/"+id+"/actions", operatorKey,
		map[string]string{"action": "force_accept"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator force_accept status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != string(message.StatusAccepted) {
		t.Fatalf("status after force_accept = %v, want accepted", body["status"])
	}
}

func TestInvalidAPIKeyRejected(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages", "wrong-key", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	_, ts := newTestServer(t)

	submit(t, ts, "alice@example.com")
	submit(t, ts, "eve@nowhere.test")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/messages?status=blocked", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["count"].(float64); got != 1 {
		t.Fatalf("count = %v, want 1", got)
	}
}

func TestBatchStatus(t *testing.T) {
	_, ts := newTestServer(t)

	id1, _, _ := submit(t, ts, "alice@example.com")
	id2, _, _ := submit(t, ts, "alice@example.com")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages/status", "",
		map[string][]string{"ids": {id1, id2, "missing"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := body["count"].(float64); got != 2 {
		t.Fatalf("count = %v, want 2", got)
	}

	ids := make([]string, maxListLimit+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/messages/status", "",
		map[string][]string{"ids": ids})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized batch status = %d, want 400", resp.StatusCode)
	}
}

func TestLogLevelEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/logging/level", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get level status = %d, want 200", resp.StatusCode)
	}
	original := body["level"].(string)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/logging/level", "",
		map[string]string{"level": "debug"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("sender set level status = %d, want 403", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/logging/level", operatorKey,
		map[string]string{"level": "debug"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator set level status = %d, want 200", resp.StatusCode)
	}
	if body["level"] != "debug" {
		t.Fatalf("level = %v, want debug", body["level"])
	}

	// Restore the process-wide level for other tests.
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/logging/level", operatorKey,
		map[string]string{"level": original})
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}
