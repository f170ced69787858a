package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/spacelis/portraitist/internal/domain"
)

// HashOperatorKey returns a stable SHA-256 hex digest for the provided key.
func HashOperatorKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertOperatorKey stores a hashed operator key. KeyHash must already
// contain the hashed value.
func (r Repo) InsertOperatorKey(ctx context.Context, key domain.OperatorKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO operator_keys(id, name, key_hash, created_at) VALUES (?,?,?,?)`,
		key.ID, nullable(key.Name), key.KeyHash, fmtTime(key.CreatedAt))
	return err
}

// GetOperatorKeyByHash returns an operator key by its hashed value.
func (r Repo) GetOperatorKeyByHash(ctx context.Context, hash string) (domain.OperatorKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, COALESCE(name,''), key_hash, created_at FROM operator_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.OperatorKey
	var createdAt string
	err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &createdAt)
	if err == sql.ErrNoRows {
		return domain.OperatorKey{}, ErrNotFound
	}
	if err != nil {
		return domain.OperatorKey{}, err
	}
	key.CreatedAt = parseTime(createdAt)
	return key, nil
}

// ListOperatorKeys returns all operator keys, newest first.
func (r Repo) ListOperatorKeys(ctx context.Context) ([]domain.OperatorKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, COALESCE(name,''), key_hash, created_at FROM operator_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.OperatorKey
	for rows.Next() {
		var key domain.OperatorKey
		var createdAt string
		if err := rows.Scan(&key.ID, &key.Name, &key.KeyHash, &createdAt); err != nil {
			return nil, err
		}
		key.CreatedAt = parseTime(createdAt)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteOperatorKey deletes an operator key by ID.
func (r Repo) DeleteOperatorKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	_, err := r.DB.ExecContext(ctx, `DELETE FROM operator_keys WHERE id=?`, id)
	return err
}
