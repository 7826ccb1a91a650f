package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maneesh/pkgrepo/internal/apperr"
)

// UserRepository resolves API tokens to users.
type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

// UserForToken returns the active user owning the unexpired token hash.
func (r *UserRepository) UserForToken(ctx context.Context, tokenHash string, now time.Time) (int64, string, error) {
	var (
		id       int64
		username string
	)
	err := r.db.conn(ctx).QueryRowContext(ctx,
		`SELECT u.id, u.username FROM api_tokens t JOIN users u ON u.id = t.user_id
		 WHERE t.token_hash = ? AND u.is_active AND (t.expires_at IS NULL OR t.expires_at > ?)`,
		tokenHash, now).Scan(&id, &username)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", apperr.ErrUnauthenticated
	} else if err != nil {
		return 0, "", fmt.Errorf("failed to look up token: %w", err)
	}
	return id, username, nil
}
