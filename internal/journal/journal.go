package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	DefaultRecentLimit = 20
	maxRecentLimit     = 500
)

var ErrInvalidDriver = errors.New("invalid journal driver")

// Entry is one processed inbound message and the decision taken for it.
type Entry struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	MessageID   string    `json:"message_id,omitempty"`
	SenderID    string    `json:"sender_id"`
	Inbound     string    `json:"inbound"`
	Reply       string    `json:"reply"`
	ShouldReply bool      `json:"should_reply"`
	Confidence  float64   `json:"confidence"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Model       string    `json:"model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, chatID string, limit int) ([]Entry, error)
	Close() error
}

// Nop discards entries. Used when no DSN is configured.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error { return nil }

func (Nop) Recent(context.Context, string, int) ([]Entry, error) { return []Entry{}, nil }

func (Nop) Close() error { return nil }

type SQL struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open connects to the database and creates the schema when missing.
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	driver, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	j := &SQL{db: db, driver: driver, now: time.Now}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing %s database: %w", driver, err)
	}
	return j, nil
}

func (j *SQL) Close() error {
	return j.db.Close()
}

func (j *SQL) Record(ctx context.Context, entry Entry) error {
	if entry.ChatID == "" {
		return errors.New("journal entry without chat id")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.now()
	}

	_, err := j.db.ExecContext(
		ctx,
		j.rebind(`INSERT INTO reply_journal (
			id, chat_id, message_id, sender_id, inbound, reply, should_reply, confidence, reasoning, model, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.ChatID, entry.MessageID, entry.SenderID, entry.Inbound, entry.Reply,
		entry.ShouldReply, entry.Confidence, entry.Reasoning, entry.Model, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}
	return nil
}

// Recent returns the newest entries of a chat, newest first.
func (j *SQL) Recent(ctx context.Context, chatID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}

	rows, err := j.db.QueryContext(
		ctx,
		j.rebind(`SELECT id, chat_id, message_id, sender_id, inbound, reply, should_reply, confidence, reasoning, model, created_at
			FROM reply_journal
			WHERE chat_id = ?
			ORDER BY created_at DESC
			LIMIT ?`),
		chatID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID, &e.ChatID, &e.MessageID, &e.SenderID, &e.Inbound, &e.Reply,
			&e.ShouldReply, &e.Confidence, &e.Reasoning, &e.Model, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return entries, nil
}

func (j *SQL) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reply_journal (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			inbound TEXT NOT NULL DEFAULT '',
			reply TEXT NOT NULL DEFAULT '',
			should_reply BOOLEAN NOT NULL DEFAULT FALSE,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			reasoning TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reply_journal_chat ON reply_journal (chat_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := j.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (j *SQL) rebind(query string) string {
	if j.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func normalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "pgx", "postgres", "postgresql":
		return DriverPostgres, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDriver, driver)
	}
}
