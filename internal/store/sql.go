package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/lexiqai/david-relay/internal/store/migrations"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var (
	// goose keeps its base FS and dialect in package globals
	migrateMu sync.Mutex

	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return goose.UpContext(ctx, db, dir, opts...)
	}
)

// SQLStore is a Store backed by database/sql. The same queries serve SQLite
// and PostgreSQL; placeholders are rebound per driver.
type SQLStore struct {
	db       *sql.DB
	postgres bool
	clock    func() time.Time
}

// Open connects to the store, applies migrations and returns it ready to use.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	if err := RunMigrations(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", driver, err)
	}

	return &SQLStore{db: db, postgres: driver == DriverPostgres, clock: time.Now}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)
	return db, nil
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, driver string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dialect := "postgres"
	if driver == DriverSQLite {
		dialect = "sqlite3"
	}

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	return gooseUpContext(ctx, db, ".")
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
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

// EnsureSharedSecret stores value as the shared password unless one exists.
func (s *SQLStore) EnsureSharedSecret(ctx context.Context, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO records (record_type, record_key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (record_type, record_key) DO NOTHING`),
		RecordTypeSharedPassword, RecordTypeSharedPassword, value, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("seed shared password: %w", err)
	}
	return nil
}

// SharedSecret returns the shared password or ErrNotFound.
func (s *SQLStore) SharedSecret(ctx context.Context) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT value FROM records WHERE record_type = ? AND record_key = ?`),
		RecordTypeSharedPassword, RecordTypeSharedPassword).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !value.Valid) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read shared password: %w", err)
	}
	return value.String, nil
}

// ResolveToken loads the record for token, creating it with a fresh user ID
// on first sight.
func (s *SQLStore) ResolveToken(ctx context.Context, token string) (UserRecord, bool, error) {
	if token == "" {
		return UserRecord{}, false, fmt.Errorf("resolve token: empty token")
	}

	rec, err := s.userByToken(ctx, token)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return UserRecord{}, false, err
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO records (record_type, record_key, user_id, conversation, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (record_type, record_key) DO NOTHING`),
		RecordTypeUser, token, uuid.NewString(), "[]", s.clock().UTC())
	if err != nil {
		return UserRecord{}, false, fmt.Errorf("create user record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return UserRecord{}, false, fmt.Errorf("create user record: %w", err)
	}

	// another session may have won the insert; the stored row is authoritative
	rec, err = s.userByToken(ctx, token)
	if err != nil {
		return UserRecord{}, false, err
	}
	return rec, affected == 1, nil
}

func (s *SQLStore) userByToken(ctx context.Context, token string) (UserRecord, error) {
	var userID, raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT user_id, conversation FROM records WHERE record_type = ? AND record_key = ?`),
		RecordTypeUser, token).Scan(&userID, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, fmt.Errorf("read user record: %w", err)
	}
	turns, err := decodeTurns(raw)
	if err != nil {
		return UserRecord{}, err
	}
	return UserRecord{Token: token, UserID: userID, Conversation: turns}, nil
}

// Conversation returns the stored history for userID. Unknown users have
// an empty history.
func (s *SQLStore) Conversation(ctx context.Context, userID string) ([]Turn, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.rebind(`
SELECT conversation FROM records WHERE record_type = ? AND user_id = ?`),
		RecordTypeUser, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []Turn{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	return decodeTurns(raw)
}

// SaveConversation replaces the stored history for userID.
func (s *SQLStore) SaveConversation(ctx context.Context, userID string, turns []Turn) error {
	if turns == nil {
		turns = []Turn{}
	}
	raw, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE records SET conversation = ?, updated_at = ? WHERE record_type = ? AND user_id = ?`),
		string(raw), s.clock().UTC(), RecordTypeUser, userID)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func decodeTurns(raw string) ([]Turn, error) {
	turns := []Turn{}
	if strings.TrimSpace(raw) == "" {
		return turns, nil
	}
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	if turns == nil {
		turns = []Turn{}
	}
	return turns, nil
}
