package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/draft-keeper/internal/errs"
)

// KVRepo implements KVRepository on the local_drafts table.
type KVRepo struct{ db *DB }

// NewKVRepo constructs a key-value repository.
func NewKVRepo(db *DB) *KVRepo { return &KVRepo{db: db} }

// Get returns the stored value or errs.ErrNotFound.
func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM local_drafts WHERE key=$1`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

// Set upserts the value.
func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO local_drafts (key, value, updated_at) VALUES ($1, $2, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := r.db.Pool.Exec(ctx, q, key, value); err != nil {
		if isOutOfSpace(err) {
			return fmt.Errorf("%w: %v", errs.ErrQuotaExceeded, err)
		}
		return err
	}
	return nil
}

// Delete removes the key if present.
func (r *KVRepo) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM local_drafts WHERE key=$1`
	_, err := r.db.Pool.Exec(ctx, q, key)
	return err
}

// Keys lists keys starting with prefix in lexical order.
func (r *KVRepo) Keys(ctx context.Context, prefix string) ([]string, error) {
	const q = `SELECT key FROM local_drafts WHERE key LIKE $1 ESCAPE '\' ORDER BY key`
	rows, err := r.db.Pool.Query(ctx, q, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePrefix(prefix string) string { return likeEscaper.Replace(prefix) + "%" }
