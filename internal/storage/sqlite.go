package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"gatebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertPending(ctx context.Context, r JoinRequest) error {
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.RequestedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO join_requests(user_id, channel_id, username, requested_at, updated_at, status)
		 VALUES(?,?,?,?,?,'pending')
		 ON CONFLICT(user_id, channel_id) WHERE status='pending'
		 DO UPDATE SET username=excluded.username, updated_at=excluded.updated_at`,
		r.UserID, r.ChannelID, nullStr(r.Username),
		fmtTime(r.RequestedAt), fmtTime(r.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]JoinRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, channel_id, COALESCE(username,''), requested_at, updated_at
		 FROM join_requests WHERE status='pending'
		 ORDER BY requested_at ASC, user_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinRequest
	for rows.Next() {
		var r JoinRequest
		var reqAt, updAt string
		if err := rows.Scan(&r.UserID, &r.ChannelID, &r.Username, &reqAt, &updAt); err != nil {
			return nil, err
		}
		r.Status = StatusPending
		r.RequestedAt = parseTime(reqAt)
		r.UpdatedAt = parseTime(updAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResolveRequests(ctx context.Context, keys []RequestKey, status RequestStatus, resolvedAt time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	if resolvedAt.IsZero() {
		resolvedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE join_requests
		 SET status=?, resolved_at=?, updated_at=?
		 WHERE user_id=? AND channel_id=? AND status='pending'`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	ts := fmtTime(resolvedAt)
	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, string(status), ts, ts, k.UserID, k.ChannelID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) PutMessage(ctx context.Context, channelID int64, kind MessageKind, c Content) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(channel_id, kind, content, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(channel_id, kind) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at`,
		channelID, string(kind), string(b), fmtTime(time.Now()),
	)
	return err
}

func (s *sqliteStore) GetMessage(ctx context.Context, channelID int64, kind MessageKind) (Content, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM messages WHERE channel_id=? AND kind=?`,
		channelID, string(kind)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Content{}, ErrNotFound
	}
	if err != nil {
		return Content{}, err
	}
	var c Content
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Content{}, fmt.Errorf("decode stored message: %w", err)
	}
	return c, nil
}

func (s *sqliteStore) DeleteMessage(ctx context.Context, channelID int64, kind MessageKind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE channel_id=? AND kind=?`, channelID, string(kind))
	return err
}

func (s *sqliteStore) PutChannel(ctx context.Context, ch Channel) error {
	if ch.AddedAt.IsZero() {
		ch.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(id, title, added_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title`,
		ch.ID, nullStr(ch.Title), fmtTime(ch.AddedAt))
	return err
}

func (s *sqliteStore) DeleteChannel(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE id=?`, id); err != nil {
		return err
	}
	// Channel removal drops its scoped messages too.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE channel_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(title,''), added_at FROM channels ORDER BY added_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		var addedAt string
		if err := rows.Scan(&ch.ID, &ch.Title, &addedAt); err != nil {
			return nil, err
		}
		ch.AddedAt = parseTime(addedAt)
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetScheduleState(ctx context.Context) (ScheduleState, error) {
	var st ScheduleState
	var enabled int
	var spec, lastFired sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, spec, last_fired_at FROM schedule_state WHERE id=1`).
		Scan(&enabled, &spec, &lastFired)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleState{}, nil
	}
	if err != nil {
		return ScheduleState{}, err
	}
	st.Enabled = enabled != 0
	st.Spec = spec.String
	if lastFired.Valid {
		st.LastFiredAt = parseTime(lastFired.String)
	}
	return st, nil
}

func (s *sqliteStore) PutScheduleState(ctx context.Context, st ScheduleState) error {
	enabled := 0
	if st.Enabled {
		enabled = 1
	}
	var lastFired any
	if !st.LastFiredAt.IsZero() {
		lastFired = fmtTime(st.LastFiredAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state(id, enabled, spec, last_fired_at) VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, spec=excluded.spec, last_fired_at=excluded.last_fired_at`,
		enabled, nullStr(st.Spec), lastFired)
	return err
}

func (s *sqliteStore) AppendJoinLog(ctx context.Context, e JoinLogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO join_log(at, user_id, username, channel_id, action) VALUES(?,?,?,?,?)`,
		fmtTime(e.At), e.UserID, nullStr(e.Username), e.ChannelID, e.Action)
	return err
}

func (s *sqliteStore) RecentJoinLog(ctx context.Context, limit int) ([]JoinLogEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, user_id, COALESCE(username,''), channel_id, action
		 FROM join_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JoinLogEntry
	for rows.Next() {
		var e JoinLogEntry
		var at string
		if err := rows.Scan(&at, &e.UserID, &e.Username, &e.ChannelID, &e.Action); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
