package metrics

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DeliveryStats is the aggregate outcome counters of the pipeline.
type DeliveryStats struct {
	Submitted     int64     `json:"submitted"`
	Accepted      int64     `json:"accepted"`
	Blocked       int64     `json:"blocked"`
	Rejected      int64     `json:"rejected"`
	Sent          int64     `json:"sent"`
	PartiallySent int64     `json:"partially_sent"`
	Bounced       int64     `json:"bounced"`
	Deferred      int64     `json:"deferred"`
	LastUpdated   time.Time `json:"last_updated"`
}

// HourlyStats holds one hour's delivery outcome counts.
type HourlyStats struct {
	Hour     string `json:"hour"`
	Sent     int64  `json:"sent"`
	Bounced  int64  `json:"bounced"`
	Deferred int64  `json:"deferred"`
}

// StatsRecorder is the write side of the statistics store. The
// submission path and the reconciler record outcomes through it; a nil
// recorder is handled by the callers, so stats stay optional.
type StatsRecorder interface {
	Incr(ctx context.Context, counterName string) error
	AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error
}

// ValkeyStore keeps delivery statistics in Valkey, shared across all
// pipeline processes. Counters survive restarts; hourly buckets expire
// after a day.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// NewValkeyStore connects a statistics store.
func NewValkeyStore(addr string) (*ValkeyStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, err
	}

	return &ValkeyStore{
		client: client,
		prefix: "mailflow:stats:",
	}, nil
}

// Close closes the Valkey connection.
func (s *ValkeyStore) Close() {
	s.client.Close()
}

// Incr bumps a named outcome counter and its hourly bucket.
func (s *ValkeyStore) Incr(ctx context.Context, counterName string) error {
	key := s.prefix + counterName
	hourKey := s.prefix + "hourly:" + time.Now().Format("2006-01-02:15") + ":" + counterName

	cmds := []valkey.Completed{
		s.client.B().Incr().Key(key).Build(),
		s.client.B().Incr().Key(hourKey).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(86400).Build(),
		s.client.B().Set().Key(s.prefix + "last_updated").Value(time.Now().Format(time.RFC3339)).Build(),
	}

	for _, cmd := range cmds {
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

func (s *ValkeyStore) counter(ctx context.Context, name string) int64 {
	v, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+name).Build()).ToString()
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// Stats retrieves the current aggregate counters.
func (s *ValkeyStore) Stats(ctx context.Context) (*DeliveryStats, error) {
	stats := &DeliveryStats{
		Submitted:     s.counter(ctx, "submitted"),
		Accepted:      s.counter(ctx, "accepted"),
		Blocked:       s.counter(ctx, "blocked"),
		Rejected:      s.counter(ctx, "rejected"),
		Sent:          s.counter(ctx, "sent"),
		PartiallySent: s.counter(ctx, "partially_sent"),
		Bounced:       s.counter(ctx, "bounced"),
		Deferred:      s.counter(ctx, "deferred"),
	}
	lastUpdated, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"last_updated").Build()).ToString()
	stats.LastUpdated, _ = time.Parse(time.RFC3339, lastUpdated)
	return stats, nil
}

// Hourly retrieves outcome counts for the last 24 hours.
func (s *ValkeyStore) Hourly(ctx context.Context) ([]HourlyStats, error) {
	stats := make([]HourlyStats, 24)
	now := time.Now()

	for i := 0; i < 24; i++ {
		hour := now.Add(-time.Duration(23-i) * time.Hour)
		hourStr := hour.Format("2006-01-02:15")

		stats[i] = HourlyStats{Hour: hour.Format("15:00")}
		stats[i].Sent = s.hourlyCounter(ctx, hourStr, "sent")
		stats[i].Bounced = s.hourlyCounter(ctx, hourStr, "bounced")
		stats[i].Deferred = s.hourlyCounter(ctx, hourStr, "deferred")
	}

	return stats, nil
}

func (s *ValkeyStore) hourlyCounter(ctx context.Context, hour, name string) int64 {
	v, _ := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+"hourly:"+hour+":"+name).Build()).ToString()
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// AddRecentError stores a recent delivery error, keeping the last 100.
func (s *ValkeyStore) AddRecentError(ctx context.Context, messageID, recipient, errorMsg string) error {
	errorData := map[string]string{
		"message_id": messageID,
		"recipient":  recipient,
		"error":      errorMsg,
		"timestamp":  time.Now().Format(time.RFC3339),
	}

	data, err := json.Marshal(errorData)
	if err != nil {
		return err
	}

	key := s.prefix + "recent_errors"
	cmds := []valkey.Completed{
		s.client.B().Lpush().Key(key).Element(string(data)).Build(),
		s.client.B().Ltrim().Key(key).Start(0).Stop(99).Build(),
	}

	for _, cmd := range cmds {
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return err
		}
	}
	return nil
}

// RecentErrors retrieves the most recent delivery errors.
func (s *ValkeyStore) RecentErrors(ctx context.Context, limit int64) ([]map[string]string, error) {
	key := s.prefix + "recent_errors"
	result, err := s.client.Do(ctx, s.client.B().Lrange().Key(key).Start(0).Stop(limit-1).Build()).AsStrSlice()
	if err != nil {
		return nil, err
	}

	errors := make([]map[string]string, 0, len(result))
	for _, item := range result {
		var errorData map[string]string
		if err := json.Unmarshal([]byte(item), &errorData); err != nil {
			continue
		}
		errors = append(errors, errorData)
	}

	return errors, nil
}
