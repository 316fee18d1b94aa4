package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authly/internal/models"
	"authly/internal/storage"

	"github.com/jackc/pgx/v5"
)

func (r *PostgresRepo) CreateMagicLinkToken(ctx context.Context, t *models.MagicLinkToken) error {
	const op = "storage.postgres.CreateMagicLinkToken"

	query := `
		INSERT INTO magic_link_tokens (token, user_id, expires_at, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at;
	`

	err := r.pool.QueryRow(ctx, query,
		t.Token,
		t.UserID,
		t.ExpiresAt,
		t.IPAddress,
		t.UserAgent,
	).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("%s: failed to save token: %w", op, err)
	}

	return nil
}

// MagicLinkToken looks a record up by correlation id and owning user.
// Both must match so a valid signature cannot be replayed against a
// different stored record.
func (r *PostgresRepo) MagicLinkToken(ctx context.Context, tokenID string, userID int64) (models.MagicLinkToken, error) {
	query := `
		SELECT token, user_id, expires_at, is_used, used_at, ip_address, user_agent, created_at
		FROM magic_link_tokens
		WHERE token = $1 AND user_id = $2;
	`

	row := r.pool.QueryRow(ctx, query, tokenID, userID)

	var t models.MagicLinkToken
	err := row.Scan(
		&t.Token,
		&t.UserID,
		&t.ExpiresAt,
		&t.IsUsed,
		&t.UsedAt,
		&t.IPAddress,
		&t.UserAgent,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MagicLinkToken{}, storage.ErrTokenNotFound
		}

		return models.MagicLinkToken{}, err
	}

	return t, nil
}

// ConsumeMagicLinkToken flips is_used in a single conditional update so
// that of two concurrent attempts on the same token exactly one wins.
// Returns false when the token was already consumed.
func (r *PostgresRepo) ConsumeMagicLinkToken(ctx context.Context, tokenID string, usedAt time.Time) (bool, error) {
	const op = "storage.postgres.ConsumeMagicLinkToken"

	query := `
		UPDATE magic_link_tokens
		SET is_used = TRUE, used_at = $2
		WHERE token = $1 AND is_used = FALSE;
	`

	tag, err := r.pool.Exec(ctx, query, tokenID, usedAt)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepo) CountRecentMagicLinkTokens(ctx context.Context, email string, since time.Time) (int64, error) {
	const op = "storage.postgres.CountRecentMagicLinkTokens"

	query := `
		SELECT COUNT(*)
		FROM magic_link_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE u.email = $1 AND t.created_at > $2;
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, email, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return count, nil
}

func (r *PostgresRepo) DeleteMagicLinkToken(ctx context.Context, tokenID string) error {
	query := `DELETE FROM magic_link_tokens WHERE token = $1`

	_, err := r.pool.Exec(ctx, query, tokenID)

	return err
}

func (r *PostgresRepo) DeleteExpiredMagicLinkTokens(ctx context.Context, userID int64, now time.Time) (int64, error) {
	const op = "storage.postgres.DeleteExpiredMagicLinkTokens"

	query := `DELETE FROM magic_link_tokens WHERE user_id = $1 AND expires_at < $2`

	tag, err := r.pool.Exec(ctx, query, userID, now)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return tag.RowsAffected(), nil
}

func (r *PostgresRepo) MagicLinkStats(ctx context.Context, userID int64) (models.MagicLinkStats, error) {
	const op = "storage.postgres.MagicLinkStats"

	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_used),
		       MAX(used_at)
		FROM magic_link_tokens
		WHERE user_id = $1;
	`

	var stats models.MagicLinkStats
	err := r.pool.QueryRow(ctx, query, userID).Scan(&stats.TotalSent, &stats.TotalUsed, &stats.LastUsed)
	if err != nil {
		return models.MagicLinkStats{}, fmt.Errorf("%s: %w", op, err)
	}

	return stats, nil
}
