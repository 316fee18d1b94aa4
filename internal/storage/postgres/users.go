package postgres

import (
	"context"
	"errors"
	"fmt"

	"authly/internal/models"
	"authly/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const userColumns = `
	id, email, password_hash, first_name, last_name,
	google_id, github_id, is_email_verified, is_active,
	created_at, updated_at
`

func (r *PostgresRepo) CreateUser(ctx context.Context, nu models.NewUser) (models.User, error) {
	const op = "storage.postgres.CreateUser"

	query := `
		INSERT INTO users (email, password_hash, first_name, last_name, google_id, github_id, is_email_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + userColumns

	row := r.pool.QueryRow(ctx, query,
		nu.Email,
		nu.PassHash,
		nu.FirstName,
		nu.LastName,
		nu.GoogleID,
		nu.GithubID,
		nu.IsEmailVerified,
	)

	u, err := scanUser(row)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return models.User{}, storage.ErrUserExists
		}

		return models.User{}, fmt.Errorf("%s: failed to save user: %w", op, err)
	}

	return u, nil
}

func (r *PostgresRepo) UserByEmail(ctx context.Context, email string) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1;`

	u, err := scanUser(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, err
	}

	return u, nil
}

func (r *PostgresRepo) UserByID(ctx context.Context, id int64) (models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1;`

	u, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, err
	}

	return u, nil
}

func (r *PostgresRepo) UserByProviderID(ctx context.Context, provider, providerID string) (models.User, error) {
	const op = "storage.postgres.UserByProviderID"

	var column string
	switch provider {
	case "google":
		column = "google_id"
	case "github":
		column = "github_id"
	default:
		return models.User{}, fmt.Errorf("%s: unknown provider %q", op, provider)
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = $1;`

	u, err := scanUser(r.pool.QueryRow(ctx, query, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, storage.ErrUserNotFound
		}

		return models.User{}, err
	}

	return u, nil
}

func (r *PostgresRepo) LinkProvider(ctx context.Context, userID int64, provider, providerID string) error {
	const op = "storage.postgres.LinkProvider"

	var column string
	switch provider {
	case "google":
		column = "google_id"
	case "github":
		column = "github_id"
	default:
		return fmt.Errorf("%s: unknown provider %q", op, provider)
	}

	query := `UPDATE users SET ` + column + ` = $1, updated_at = NOW() WHERE id = $2`

	_, err := r.pool.Exec(ctx, query, providerID, userID)

	return err
}

func (r *PostgresRepo) SetEmailVerified(ctx context.Context, userID int64) error {
	query := `UPDATE users SET is_email_verified = TRUE, updated_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, userID)

	return err
}

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User

	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PassHash,
		&u.FirstName,
		&u.LastName,
		&u.GoogleID,
		&u.GithubID,
		&u.IsEmailVerified,
		&u.IsActive,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return models.User{}, err
	}

	return u, nil
}
