package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"joinguard/internal/verification"
	logx "joinguard/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is
	// per-connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if path != memoryPath {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("storage opened", logx.String("driver", "sqlite"), logx.String("path", path))
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

const attemptCols = `id, chat_id, user_id, user_name, language_code, status, source, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (verification.Attempt, error) {
	var (
		a                  verification.Attempt
		status, source     string
		created, updatedAt int64
	)
	if err := r.Scan(&a.ID, &a.ChatID, &a.User.ID, &a.User.Name, &a.User.LanguageCode, &status, &source, &created, &updatedAt); err != nil {
		return verification.Attempt{}, err
	}
	a.Status = verification.Status(status)
	a.Source = verification.Source(source)
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return a, nil
}

func (s *sqliteStore) CreateAttempt(ctx context.Context, a verification.Attempt) (verification.Attempt, error) {
	if s == nil || s.db == nil {
		return verification.Attempt{}, ErrDisabled
	}
	if a.Status == "" {
		a.Status = verification.StatusWaiting
	}
	if !a.Status.Valid() {
		return verification.Attempt{}, fmt.Errorf("invalid status %q", a.Status)
	}
	if a.Source == "" {
		a.Source = verification.SourceJoined
	}
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts(chat_id, user_id, user_name, language_code, status, source, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		a.ChatID, a.User.ID, a.User.Name, a.User.LanguageCode, string(a.Status), string(a.Source),
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return verification.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return verification.Attempt{}, err
	}
	a.ID = id
	// Millisecond precision, matching what a later read returns.
	a.CreatedAt = time.UnixMilli(a.CreatedAt.UnixMilli())
	a.UpdatedAt = time.UnixMilli(a.UpdatedAt.UnixMilli())
	return a, nil
}

func (s *sqliteStore) GetAttempt(ctx context.Context, id int64) (verification.Attempt, error) {
	if s == nil || s.db == nil {
		return verification.Attempt{}, ErrDisabled
	}
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return verification.Attempt{}, fmt.Errorf("attempt %d: %w", id, verification.ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) FindWaiting(ctx context.Context, chatID, userID int64) (verification.Attempt, bool, error) {
	if s == nil || s.db == nil {
		return verification.Attempt{}, false, ErrDisabled
	}
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE chat_id = ? AND user_id = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		chatID, userID, string(verification.StatusWaiting),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return verification.Attempt{}, false, nil
	}
	if err != nil {
		return verification.Attempt{}, false, err
	}
	return a, true, nil
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, a verification.Attempt, status verification.Status) (verification.Attempt, error) {
	if s == nil || s.db == nil {
		return verification.Attempt{}, ErrDisabled
	}
	if !status.Valid() {
		return verification.Attempt{}, fmt.Errorf("invalid status %q", status)
	}
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(status), now, a.ID, string(verification.StatusWaiting),
	)
	if err != nil {
		return verification.Attempt{}, fmt.Errorf("update attempt %d: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return verification.Attempt{}, err
	}
	cur, err := s.GetAttempt(ctx, a.ID)
	if err != nil {
		return verification.Attempt{}, err
	}
	if n == 0 {
		return cur, fmt.Errorf("attempt %d is %s: %w", a.ID, cur.Status, verification.ErrStatusConflict)
	}
	return cur, nil
}

func (s *sqliteStore) CountWaiting(ctx context.Context, chatID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE chat_id = ? AND status = ?`,
		chatID, string(verification.StatusWaiting),
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) ListWaiting(ctx context.Context) ([]verification.Attempt, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptCols+` FROM attempts WHERE status = ? ORDER BY created_at, id`,
		string(verification.StatusWaiting),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []verification.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FetchScheme returns the chat's scheme. A chat without a row gets a zero
// scheme, which resolves entirely to defaults.
func (s *sqliteStore) FetchScheme(ctx context.Context, chatID int64) (verification.Scheme, error) {
	if s == nil || s.db == nil {
		return verification.Scheme{}, ErrDisabled
	}
	var (
		method   string
		unbanMS  sql.NullInt64
		duration int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kill_method, unban_delay_ms, duration_ms FROM schemes WHERE chat_id = ?`, chatID,
	).Scan(&method, &unbanMS, &duration)
	if errors.Is(err, sql.ErrNoRows) {
		return verification.Scheme{ChatID: chatID}, nil
	}
	if err != nil {
		return verification.Scheme{}, err
	}
	sc := verification.Scheme{
		ChatID:     chatID,
		KillMethod: verification.KillMethod(method),
		Duration:   time.Duration(duration) * time.Millisecond,
	}
	if unbanMS.Valid {
		d := time.Duration(unbanMS.Int64) * time.Millisecond
		sc.UnbanDelay = &d
	}
	return sc, nil
}

func (s *sqliteStore) PutScheme(ctx context.Context, sc verification.Scheme) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sc.KillMethod != "" && !sc.KillMethod.Valid() {
		return fmt.Errorf("invalid kill method %q", sc.KillMethod)
	}
	var unban any
	if sc.UnbanDelay != nil {
		unban = sc.UnbanDelay.Milliseconds()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schemes(chat_id, kill_method, unban_delay_ms, duration_ms) VALUES(?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   kill_method = excluded.kill_method,
		   unban_delay_ms = excluded.unban_delay_ms,
		   duration_ms = excluded.duration_ms`,
		sc.ChatID, string(sc.KillMethod), unban, sc.Duration.Milliseconds(),
	)
	return err
}

func (s *sqliteStore) CreateOperation(ctx context.Context, op verification.Operation) (verification.Operation, error) {
	if s == nil || s.db == nil {
		return verification.Operation{}, ErrDisabled
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations(verification_id, action, role, created_at) VALUES(?,?,?,?)`,
		op.VerificationID, string(op.Action), string(op.Role), op.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return verification.Operation{}, fmt.Errorf("insert operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return verification.Operation{}, err
	}
	op.CreatedAt = time.UnixMilli(op.CreatedAt.UnixMilli())
	return op, nil
}

func (s *sqliteStore) ListOperations(ctx context.Context, verificationID int64) ([]verification.Operation, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, verification_id, action, role, created_at FROM operations WHERE verification_id = ? ORDER BY id`,
		verificationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []verification.Operation
	for rows.Next() {
		var (
			op           verification.Operation
			action, role string
			at           int64
		)
		if err := rows.Scan(&op.ID, &op.VerificationID, &action, &role, &at); err != nil {
			return nil, err
		}
		op.Action = verification.KillMethod(action)
		op.Role = verification.Role(role)
		op.CreatedAt = time.UnixMilli(at)
		out = append(out, op)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IncrementOne(ctx context.Context, chatID int64, languageCode string, category verification.StatCategory) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	day := s.now().UTC().Format(time.DateOnly)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statistics(day, chat_id, language_code, category, count) VALUES(?,?,?,?,1)
		 ON CONFLICT(day, chat_id, language_code, category) DO UPDATE SET count = count + 1`,
		day, chatID, strings.ToLower(strings.TrimSpace(languageCode)), string(category),
	)
	return err
}

// Stats returns the chat's statistics buckets from since (UTC day) onwards.
func (s *sqliteStore) Stats(ctx context.Context, chatID int64, since time.Time) ([]StatRow, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, chat_id, language_code, category, count FROM statistics
		 WHERE chat_id = ? AND day >= ? ORDER BY day, language_code, category`,
		chatID, since.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatRow
	for rows.Next() {
		var r StatRow
		if err := rows.Scan(&r.Day, &r.ChatID, &r.LanguageCode, &r.Category, &r.Count); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
