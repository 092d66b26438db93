package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("storage: not found")

type Store struct {
	db     *sql.DB
	driver string
}

type GuildConfig struct {
	GuildID           string
	DMRecipientUserID string
	WelcomeTemplate   string
	LeaveTemplate     string
	UpdatedAt         time.Time
}

type PendingApproval struct {
	MessageID         string
	ApprovalChannelID string
	GuildID           string
	RequesterUserID   string
	ChannelID         string
	OriginalContent   string
	CreatedAt         time.Time
}

type AuditLog struct {
	ID        int64
	GuildID   string
	UserID    string
	Level     string
	Event     string
	Details   string
	CreatedAt time.Time
}

// New opens the database for driver. dsn is a file path for sqlite and a
// connection URL for postgres.
func New(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
		return &Store{db: db, driver: DriverPostgres}, nil
	case DriverSQLite, "":
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
		return &Store{db: db, driver: DriverSQLite}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	dialect := "sqlite3"
	if s.driver == DriverPostgres {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return err
	}
	if err := goose.Up(s.db, "migrations/"+s.driver); err != nil {
		return fmt.Errorf("migrate %s: %w", s.driver, err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
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

// GetGuildConfig returns the stored configuration, or an empty record for guildID
// when nothing was saved yet.
func (s *Store) GetGuildConfig(ctx context.Context, guildID string) (GuildConfig, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT dm_recipient_user_id, welcome_template, leave_template, updated_at
		FROM guild_config WHERE guild_id = ?`), guildID)

	result := GuildConfig{GuildID: guildID}
	var updated int64
	err := row.Scan(&result.DMRecipientUserID, &result.WelcomeTemplate, &result.LeaveTemplate, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, nil
		}
		return GuildConfig{}, err
	}
	if updated > 0 {
		result.UpdatedAt = time.Unix(updated, 0)
	}
	return result, nil
}

func (s *Store) SetDMRecipient(ctx context.Context, guildID, userID string) error {
	return s.setGuildField(ctx, "dm_recipient_user_id", guildID, userID)
}

func (s *Store) SetWelcomeTemplate(ctx context.Context, guildID, template string) error {
	return s.setGuildField(ctx, "welcome_template", guildID, template)
}

func (s *Store) SetLeaveTemplate(ctx context.Context, guildID, template string) error {
	return s.setGuildField(ctx, "leave_template", guildID, template)
}

// setGuildField touches a single column so concurrent commands on the same guild
// never overwrite each other's settings. column is always a constant.
func (s *Store) setGuildField(ctx context.Context, column, guildID, value string) error {
	query := fmt.Sprintf(`
		INSERT INTO guild_config (guild_id, %[1]s, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			%[1]s = excluded.%[1]s,
			updated_at = excluded.updated_at
	`, column)
	_, err := s.db.ExecContext(ctx, s.rebind(query), guildID, value, time.Now().Unix())
	return err
}

// ConsumePing increments the counter for (guildID, day) when it is below limit.
// It reports whether the increment happened and the count afterwards.
func (s *Store) ConsumePing(ctx context.Context, guildID, day string, limit int) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	allowed := false
	if limit > 0 {
		res, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO ping_counters (guild_id, day, count) VALUES (?, ?, 1)
			ON CONFLICT(guild_id, day) DO UPDATE SET count = ping_counters.count + 1
			WHERE ping_counters.count < ?
		`), guildID, day, limit)
		if err != nil {
			return false, 0, fmt.Errorf("consume ping: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return false, 0, err
		}
		allowed = affected == 1
	}

	var count int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT count FROM ping_counters WHERE guild_id = ? AND day = ?`), guildID, day).Scan(&count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, 0, err
	}
	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return allowed, count, nil
}

func (s *Store) PingCount(ctx context.Context, guildID, day string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT count FROM ping_counters WHERE guild_id = ? AND day = ?`), guildID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, err
}

// PurgePingCounters drops counters for days strictly before beforeDay (YYYY-MM-DD).
func (s *Store) PurgePingCounters(ctx context.Context, beforeDay string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM ping_counters WHERE day < ?`), beforeDay)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CreatePendingApproval(ctx context.Context, p PendingApproval) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO pending_approvals (
			message_id, approval_channel_id, guild_id, requester_user_id, channel_id, original_content, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`), p.MessageID, p.ApprovalChannelID, p.GuildID, p.RequesterUserID, p.ChannelID, p.OriginalContent, p.CreatedAt.Unix())
	return err
}

func (s *Store) GetPendingApproval(ctx context.Context, messageID string) (PendingApproval, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT message_id, approval_channel_id, guild_id, requester_user_id, channel_id, original_content, created_at
		FROM pending_approvals WHERE message_id = ?`), messageID)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingApproval{}, ErrNotFound
	}
	return p, err
}

// TakePendingApproval removes and returns the record. Only one caller can take a
// given record; the others get ErrNotFound.
func (s *Store) TakePendingApproval(ctx context.Context, messageID string) (PendingApproval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PendingApproval{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT message_id, approval_channel_id, guild_id, requester_user_id, channel_id, original_content, created_at
		FROM pending_approvals WHERE message_id = ?`), messageID)
	p, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingApproval{}, ErrNotFound
	}
	if err != nil {
		return PendingApproval{}, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM pending_approvals WHERE message_id = ?`), messageID)
	if err != nil {
		return PendingApproval{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return PendingApproval{}, err
	} else if n != 1 {
		return PendingApproval{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return PendingApproval{}, err
	}
	return p, nil
}

func (s *Store) ListExpiredApprovals(ctx context.Context, before time.Time) ([]PendingApproval, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT message_id, approval_channel_id, guild_id, requester_user_id, channel_id, original_content, created_at
		FROM pending_approvals WHERE created_at < ?
		ORDER BY created_at`), before.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingApproval
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (PendingApproval, error) {
	var p PendingApproval
	var created int64
	if err := row.Scan(&p.MessageID, &p.ApprovalChannelID, &p.GuildID, &p.RequesterUserID, &p.ChannelID, &p.OriginalContent, &created); err != nil {
		return PendingApproval{}, err
	}
	p.CreatedAt = time.Unix(created, 0)
	return p, nil
}

// LoadDocument decodes the JSON document stored under key into v. It returns
// false when the key does not exist.
func (s *Store) LoadDocument(ctx context.Context, key string, v any) (bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT body FROM documents WHERE doc_key = ?`), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := sonic.UnmarshalString(body, v); err != nil {
		return false, fmt.Errorf("decode document %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) SaveDocument(ctx context.Context, key string, v any) error {
	body, err := sonic.MarshalString(v)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO documents (doc_key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`), key, body, time.Now().Unix())
	return err
}

func (s *Store) AddAuditLog(ctx context.Context, log AuditLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO audit_logs (guild_id, user_id, level, event, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), log.GuildID, log.UserID, log.Level, log.Event, log.Details, log.CreatedAt.Unix())
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, guildID string, since time.Time) ([]AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, guild_id, user_id, level, event, details, created_at
		FROM audit_logs
		WHERE guild_id = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
	`), guildID, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []AuditLog
	for rows.Next() {
		var log AuditLog
		var created int64
		if err := rows.Scan(&log.ID, &log.GuildID, &log.UserID, &log.Level, &log.Event, &log.Details, &created); err != nil {
			return nil, err
		}
		log.CreatedAt = time.Unix(created, 0)
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

func (s *Store) CleanupAuditLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM audit_logs WHERE created_at < ?`), before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
