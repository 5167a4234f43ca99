package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/websoft9/connhub/internal/crypto"
	_ "modernc.org/sqlite"
)

const passwordsSchema = `
CREATE TABLE IF NOT EXISTS passwords (
	system_type TEXT NOT NULL,
	host        TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	secret      TEXT NOT NULL,
	updated_at  TEXT NOT NULL,
	PRIMARY KEY (system_type, host, user_id)
)`

// SQLiteBackend stores sealed passwords in a local sqlite database.
type SQLiteBackend struct {
	db     *sql.DB
	sealer *crypto.Sealer
	path   string
}

// OpenSQLite opens (creating if needed) the password database at path.
func OpenSQLite(ctx context.Context, path string, sealer *crypto.Sealer) (*SQLiteBackend, error) {
	if sealer == nil {
		return nil, errors.New("credentials: sqlite backend requires a sealer")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credentials: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		passwordsSchema,
	} {
		if _, err := db.ExecContext(initCtx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("credentials: init sqlite: %w", err)
		}
	}
	return &SQLiteBackend{db: db, sealer: sealer, path: path}, nil
}

// Path returns the filesystem path of the backing database.
func (b *SQLiteBackend) Path() string {
	return b.path
}

func (b *SQLiteBackend) Load(ctx context.Context, k Key) (string, error) {
	var secret string
	err := b.db.QueryRowContext(ctx,
		`SELECT secret FROM passwords WHERE system_type = ? AND host = ? AND user_id = ?`,
		k.SystemType, k.Host, k.UserID,
	).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("credentials: load %s@%s: %w", k.UserID, k.Host, err)
	}
	pw, err := b.sealer.Open(secret)
	if err != nil {
		return "", fmt.Errorf("credentials: unseal %s@%s: %w", k.UserID, k.Host, err)
	}
	return pw, nil
}

func (b *SQLiteBackend) Save(ctx context.Context, k Key, password string) error {
	secret, err := b.sealer.Seal(password)
	if err != nil {
		return err
	}
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO passwords (system_type, host, user_id, secret, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (system_type, host, user_id) DO UPDATE SET
	secret = excluded.secret,
	updated_at = excluded.updated_at`,
			k.SystemType, k.Host, k.UserID, secret, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("credentials: save %s@%s: %w", k.UserID, k.Host, err)
		}
		return nil
	})
}

func (b *SQLiteBackend) Delete(ctx context.Context, k Key) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM passwords WHERE system_type = ? AND host = ? AND user_id = ?`,
		k.SystemType, k.Host, k.UserID)
	if err != nil {
		return fmt.Errorf("credentials: delete %s@%s: %w", k.UserID, k.Host, err)
	}
	return nil
}

// Keys lists every stored key, ordered by host then user.
func (b *SQLiteBackend) Keys(ctx context.Context) ([]Key, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT system_type, host, user_id FROM passwords ORDER BY host, user_id`)
	if err != nil {
		return nil, fmt.Errorf("credentials: list keys: %w", err)
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.SystemType, &k.Host, &k.UserID); err != nil {
			return nil, fmt.Errorf("credentials: scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("credentials: rollback failed after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
