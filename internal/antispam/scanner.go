// Package antispam scores outbound messages before they may enter the
// delivery queue.
package antispam

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when a scan runs before Connect.
var ErrNotConnected = errors.New("not connected to spam scanner")

// ScanResult is the outcome of scoring one message.
type ScanResult struct {
	Engine    string    `json:"engine"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
	IsSpam    bool      `json:"is_spam"`
	// Symbols are the engine rules that fired, e.g. DKIM_INVALID.
	Symbols []string `json:"symbols,omitempty"`
	// Response is the engine's raw verdict for the audit trail.
	Response string `json:"response,omitempty"`
}

// HasSymbol reports whether the named rule fired.
func (r *ScanResult) HasSymbol(name string) bool {
	for _, s := range r.Symbols {
		if s == name {
			return true
		}
	}
	return false
}

// Scanner scores raw message payloads.
type Scanner interface {
	Connect() error
	Close() error
	IsConnected() bool
	Name() string

	// Scan scores the payload. The caller decides what to do with the
	// verdict; scanners never mutate messages.
	Scan(ctx context.Context, data []byte) (*ScanResult, error)
}

// Config configures a scanner.
type Config struct {
	// Address of the scanner daemon, e.g. http://localhost:11333.
	Address string `toml:"address"`
	// Threshold above which a message counts as spam.
	Threshold float64 `toml:"threshold"`
	// Timeout for one scan round trip.
	Timeout time.Duration `toml:"timeout"`
	// ScanLimit caps how many payload bytes are submitted. 0 = all.
	ScanLimit int64 `toml:"scan_limit"`
	// APIKey authenticates against the daemon, if it requires one.
	APIKey string `toml:"api_key"`
}

// Static is a fixed-verdict scanner for tests and for running with
// spam detection disabled.
type Static struct {
	Result ScanResult
	Err    error
}

func (s *Static) Connect() error    { return nil }
func (s *Static) Close() error      { return nil }
func (s *Static) IsConnected() bool { return true }
func (s *Static) Name() string      { return "static" }

func (s *Static) Scan(_ context.Context, _ []byte) (*ScanResult, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	res := s.Result
	res.Engine = s.Name()
	res.Timestamp = time.Now()
	res.IsSpam = res.Score > res.Threshold
	return &res, nil
}
