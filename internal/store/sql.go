package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mailflowd/mailflow/internal/message"
)

// SQLConfig configures the SQL-backed store.
type SQLConfig struct {
	// Driver is one of "sqlite3", "mysql", "postgres".
	Driver string `toml:"driver"`
	// DSN is the driver-specific connection string.
	DSN string `toml:"dsn"`
	// MaxFailedCount bounds the publish retry budget.
	MaxFailedCount int `toml:"max_failed_count"`
	// MaxOpenConns caps the connection pool. 0 means driver default.
	MaxOpenConns int `toml:"max_open_conns"`
}

// SQL is the durable store backend. One row per message; recipients are
// a JSON document inside the row so a transition and its recipient
// updates commit atomically. Concurrent transitions on the same id are
// serialized by an optimistic version check.
type SQL struct {
	db        *sql.DB
	driver    string
	maxFailed int
}

var _ Store = (*SQL)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS outbound_messages (
	id                    VARCHAR(36) PRIMARY KEY,
	sender                VARCHAR(320) NOT NULL,
	domain                VARCHAR(255) NOT NULL,
	subject               TEXT,
	message_id            VARCHAR(998),
	priority              INTEGER NOT NULL DEFAULT 0,
	is_newsletter         INTEGER NOT NULL DEFAULT 0,
	size                  BIGINT NOT NULL DEFAULT 0,
	status                VARCHAR(20) NOT NULL,
	failed_count          INTEGER NOT NULL DEFAULT 0,
	last_error            TEXT,
	spam_score            DOUBLE PRECISION NOT NULL DEFAULT 0,
	agent_group           VARCHAR(255),
	queue_id              VARCHAR(255),
	recipients            TEXT NOT NULL,
	raw                   TEXT NOT NULL,
	created_at            VARCHAR(35) NOT NULL,
	processed_at          VARCHAR(35),
	transfer_started_at   VARCHAR(35),
	transfer_completed_at VARCHAR(35),
	retry_after           VARCHAR(35),
	updated_at            VARCHAR(35) NOT NULL,
	version               BIGINT NOT NULL DEFAULT 0
)`

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_outbound_messages_status ON outbound_messages (status)`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_messages_domain ON outbound_messages (domain)`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_messages_created ON outbound_messages (created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbound_messages_queue_id ON outbound_messages (queue_id)`,
}

// transitionRetries bounds optimistic-concurrency retries before giving
// up with ErrConcurrentUpdate.
const transitionRetries = 5

// NewSQL opens the database, creates the schema if missing and returns
// the store.
func NewSQL(cfg SQLConfig) (*SQL, error) {
	switch cfg.Driver {
	case "sqlite3", "mysql", "postgres":
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == "sqlite3" {
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY under concurrent transitions.
		db.SetMaxOpenConns(1)
	}

	maxFailed := cfg.MaxFailedCount
	if maxFailed <= 0 {
		maxFailed = message.DefaultMaxFailedCount
	}
	s := &SQL{db: db, driver: cfg.Driver, maxFailed: maxFailed}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) init() error {
	ddl := schema
	if s.driver == "mysql" {
		// MySQL has no IF NOT EXISTS for indexes and no DOUBLE PRECISION alias quirk issues,
		// but TEXT defaults differ; keep the portable subset.
		ddl = strings.ReplaceAll(ddl, "DOUBLE PRECISION", "DOUBLE")
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	for _, idx := range schemaIndexes {
		if _, err := s.db.Exec(idx); err != nil && s.driver != "mysql" {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the driver's notation.
func (s *SQL) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const insertColumns = `id, sender, domain, subject, message_id, priority, is_newsletter, size,
	status, failed_count, last_error, spam_score, agent_group, queue_id, recipients, raw,
	created_at, processed_at, transfer_started_at, transfer_completed_at, retry_after, updated_at, version`

func (s *SQL) Create(ctx context.Context, m *message.Message) error {
	rcpts, err := json.Marshal(m.Recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}

	query := s.rebind(`INSERT INTO outbound_messages (` + insertColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		m.ID, m.Sender, m.Domain, m.Subject, m.MessageID, int(m.Priority), boolInt(m.IsNewsletter), m.Size,
		string(m.Status), m.FailedCount, m.LastError, m.SpamScore, m.AgentGroup, m.QueueID,
		string(rcpts), string(m.Raw),
		encodeTime(m.CreatedAt), encodeTime(m.ProcessedAt), encodeTime(m.TransferStartedAt),
		encodeTime(m.TransferCompletedAt), encodeTime(m.RetryAfter), encodeTime(m.UpdatedAt), m.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", m.ID, err)
	}
	return nil
}

func (s *SQL) Get(ctx context.Context, id string) (*message.Message, error) {
	return s.getWhere(ctx, "id = ?", id)
}

func (s *SQL) FindByQueueID(ctx context.Context, queueID string) (*message.Message, error) {
	return s.getWhere(ctx, "queue_id = ?", queueID)
}

func (s *SQL) getWhere(ctx context.Context, where string, arg any) (*message.Message, error) {
	query := s.rebind(`SELECT ` + insertColumns + ` FROM outbound_messages WHERE ` + where)
	row := s.db.QueryRowContext(ctx, query, arg)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *SQL) List(ctx context.Context, f Filter) ([]*message.Message, error) {
	var conds []string
	var args []any

	if f.ID != "" {
		conds, args = append(conds, "id = ?"), append(args, f.ID)
	}
	if len(f.Statuses) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(f.Statuses)), ", ")
		conds = append(conds, "status IN ("+ph+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Domain != "" {
		conds, args = append(conds, "domain = ?"), append(args, f.Domain)
	}
	if f.Sender != "" {
		conds, args = append(conds, "sender = ?"), append(args, f.Sender)
	}
	if f.AgentGroup != "" {
		conds, args = append(conds, "agent_group = ?"), append(args, f.AgentGroup)
	}
	if f.Priority != nil {
		conds, args = append(conds, "priority = ?"), append(args, int(*f.Priority))
	}
	if !f.From.IsZero() {
		conds, args = append(conds, "created_at >= ?"), append(args, encodeTime(f.From))
	}
	if !f.To.IsZero() {
		conds, args = append(conds, "created_at <= ?"), append(args, encodeTime(f.To))
	}

	query := `SELECT ` + insertColumns + ` FROM outbound_messages`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}
	if f.Offset > 0 {
		query += " OFFSET " + strconv.Itoa(f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		// Recipient matching stays in Go: recipients live inside a
		// JSON document.
		if f.Recipient != "" && m.Recipient(f.Recipient) == nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) Transition(ctx context.Context, id string, ev message.Event, detail string) (message.Status, error) {
	var status message.Status
	err := s.mutate(ctx, id, func(m *message.Message) (bool, error) {
		if err := m.Apply(ev, detail, s.maxFailed); err != nil {
			status = m.Status
			return false, err
		}
		status = m.Status
		return true, nil
	})
	return status, err
}

func (s *SQL) ApplyRecipientOutcome(ctx context.Context, id string, out RecipientOutcome) (bool, error) {
	changed := false
	err := s.mutate(ctx, id, func(m *message.Message) (bool, error) {
		changed = applyOutcome(m, out, s.maxFailed)
		return changed, nil
	})
	return changed, err
}

func (s *SQL) SetAgentRef(ctx context.Context, id, agentGroup, queueID string) error {
	return s.mutate(ctx, id, func(m *message.Message) (bool, error) {
		m.AgentGroup = agentGroup
		m.QueueID = queueID
		return true, nil
	})
}

// mutate runs a read-modify-write cycle under the optimistic version
// check, retrying on version conflicts.
func (s *SQL) mutate(ctx context.Context, id string, fn func(m *message.Message) (bool, error)) error {
	for attempt := 0; attempt < transitionRetries; attempt++ {
		m, err := s.Get(ctx, id)
		if err != nil {
			return err
		}

		write, err := fn(m)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}

		rcpts, err := json.Marshal(m.Recipients)
		if err != nil {
			return fmt.Errorf("failed to marshal recipients: %w", err)
		}

		query := s.rebind(`UPDATE outbound_messages SET
			status = ?, failed_count = ?, last_error = ?, spam_score = ?, agent_group = ?, queue_id = ?,
			recipients = ?, processed_at = ?, transfer_started_at = ?, transfer_completed_at = ?,
			retry_after = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND version = ?`)

		res, err := s.db.ExecContext(ctx, query,
			string(m.Status), m.FailedCount, m.LastError, m.SpamScore, m.AgentGroup, m.QueueID,
			string(rcpts), encodeTime(m.ProcessedAt), encodeTime(m.TransferStartedAt),
			encodeTime(m.TransferCompletedAt), encodeTime(m.RetryAfter), encodeTime(m.UpdatedAt),
			m.ID, m.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to update message %s: %w", id, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		// Version conflict: another component transitioned the same
		// message in between. Reload and retry.
	}
	return fmt.Errorf("message %s: %w", id, ErrConcurrentUpdate)
}

func (s *SQL) DuePublishBatch(ctx context.Context, limit int) ([]*message.Message, error) {
	now := encodeTime(time.Now().UTC())
	query := `SELECT ` + insertColumns + ` FROM outbound_messages
		WHERE (status = ? OR (status = ? AND failed_count < ? AND (retry_after IS NULL OR retry_after = '' OR retry_after <= ?)))
		ORDER BY priority DESC, created_at ASC`
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query),
		string(message.StatusAccepted), string(message.StatusFailed), s.maxFailed, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query publish batch: %w", err)
	}
	defer rows.Close()

	var out []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) HasUnsynced(ctx context.Context) (bool, error) {
	query := s.rebind(`SELECT 1 FROM outbound_messages WHERE status IN (?, ?, ?) LIMIT 1`)
	var one int
	err := s.db.QueryRowContext(ctx, query,
		string(message.StatusQueuing), string(message.StatusQueued), string(message.StatusDeferred)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQL) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*message.Message, error) {
	var (
		m          message.Message
		priority   int
		newsletter int
		status     string
		rcpts      string
		raw        string
		subject    sql.NullString
		messageID  sql.NullString
		lastError  sql.NullString
		agentGroup sql.NullString
		queueID    sql.NullString
		createdAt  string
		updatedAt  string
		processed  sql.NullString
		started    sql.NullString
		completed  sql.NullString
		retryAfter sql.NullString
	)

	err := row.Scan(&m.ID, &m.Sender, &m.Domain, &subject, &messageID, &priority, &newsletter, &m.Size,
		&status, &m.FailedCount, &lastError, &m.SpamScore, &agentGroup, &queueID, &rcpts, &raw,
		&createdAt, &processed, &started, &completed, &retryAfter, &updatedAt, &m.Version)
	if err != nil {
		return nil, err
	}

	m.Subject = subject.String
	m.MessageID = messageID.String
	m.Priority = message.Priority(priority)
	m.IsNewsletter = newsletter != 0
	m.Status = message.Status(status)
	m.LastError = lastError.String
	m.AgentGroup = agentGroup.String
	m.QueueID = queueID.String
	m.Raw = []byte(raw)

	if err := json.Unmarshal([]byte(rcpts), &m.Recipients); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recipients for %s: %w", m.ID, err)
	}

	m.CreatedAt = decodeTime(createdAt)
	m.UpdatedAt = decodeTime(updatedAt)
	m.ProcessedAt = decodeTime(processed.String)
	m.TransferStartedAt = decodeTime(started.String)
	m.TransferCompletedAt = decodeTime(completed.String)
	m.RetryAfter = decodeTime(retryAfter.String)

	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Timestamps are stored as fixed-width UTC RFC 3339 strings so the same
// schema works across all three drivers and sorts lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
