package antispam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// Rspamd scores messages against a Rspamd daemon over its HTTP
// /checkv2 endpoint.
type Rspamd struct {
	address    string
	threshold  float64
	scanLimit  int64
	apiKey     string
	httpClient *http.Client
	connected  bool
}

var _ Scanner = (*Rspamd)(nil)

// rspamdResponse is the subset of the /checkv2 reply this pipeline
// cares about.
type rspamdResponse struct {
	Score    float64 `json:"score"`
	Required float64 `json:"required_score"`
	Action   string  `json:"action"`
	Symbols  map[string]struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	} `json:"symbols"`
}

// NewRspamd creates a Rspamd scanner.
func NewRspamd(config Config) *Rspamd {
	address := config.Address
	if address == "" {
		address = "http://localhost:11333"
	}
	threshold := config.Threshold
	if threshold == 0 {
		threshold = 6.0
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	return &Rspamd{
		address:    address,
		threshold:  threshold,
		scanLimit:  config.ScanLimit,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Connect pings the daemon.
func (r *Rspamd) Connect() error {
	if r.connected {
		return nil
	}

	req, err := http.NewRequest(http.MethodGet, r.address+"/ping", nil)
	if err != nil {
		return fmt.Errorf("failed to create rspamd request: %w", err)
	}
	r.auth(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to rspamd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rspamd ping returned status %d", resp.StatusCode)
	}

	r.connected = true
	return nil
}

func (r *Rspamd) Close() error {
	r.connected = false
	return nil
}

func (r *Rspamd) IsConnected() bool { return r.connected }

func (r *Rspamd) Name() string { return "rspamd" }

func (r *Rspamd) auth(req *http.Request) {
	if r.apiKey != "" {
		req.Header.Set("Password", r.apiKey)
	}
}

// Scan submits the payload to /checkv2 and maps the verdict.
func (r *Rspamd) Scan(ctx context.Context, data []byte) (*ScanResult, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	if r.scanLimit > 0 && int64(len(data)) > r.scanLimit {
		data = data[:r.scanLimit]
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.address+"/checkv2", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create rspamd request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	r.auth(req)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rspamd scan failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rspamd response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rspamd returned status %d: %s", resp.StatusCode, body)
	}

	var parsed rspamdResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rspamd response: %w", err)
	}

	symbols := make([]string, 0, len(parsed.Symbols))
	for name := range parsed.Symbols {
		symbols = append(symbols, name)
	}
	sort.Strings(symbols)

	return &ScanResult{
		Engine:    r.Name(),
		Timestamp: time.Now(),
		Score:     parsed.Score,
		Threshold: r.threshold,
		IsSpam:    parsed.Score > r.threshold,
		Symbols:   symbols,
		Response:  string(body),
	}, nil
}
