package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"authly/internal/auth"
	sl "authly/internal/lib/logger"
	"authly/internal/models"
	"authly/internal/storage"
)

type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGithub Provider = "github"
)

var (
	ErrUnknownProvider      = errors.New("unknown oauth provider")
	ErrMissingProviderEmail = errors.New("provider profile contains no email")
)

type UserDirectory interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByProviderID(ctx context.Context, provider, providerID string) (models.User, error)
	CreateUser(ctx context.Context, nu models.NewUser) (models.User, error)
	LinkProvider(ctx context.Context, userID int64, provider, providerID string) error
}

type Service struct {
	log   *slog.Logger
	users UserDirectory
}

func New(log *slog.Logger, users UserDirectory) *Service {
	return &Service{
		log:   log,
		users: users,
	}
}

// Reconcile maps a verified external identity onto a local account.
// First match wins: existing provider link, then email (link the
// provider onto that account), then a fresh account. OAuth providers
// are trusted to have verified the email already.
func (s *Service) Reconcile(
	ctx context.Context,
	email string,
	provider Provider,
	providerID string,
	firstName, lastName string,
) (models.User, error) {
	const op = "oauth.Service.Reconcile"

	log := s.log.With(slog.String("op", op), slog.String("provider", string(provider)))

	if provider != ProviderGoogle && provider != ProviderGithub {
		return models.User{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownProvider, provider)
	}

	if email == "" {
		log.Warn("provider returned no email", slog.String("provider_id", providerID))
		return models.User{}, ErrMissingProviderEmail
	}

	email = auth.NormalizeEmail(email)

	user, err := s.users.UserByProviderID(ctx, string(provider), providerID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		log.Error("failed to look up provider id", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err = s.users.UserByEmail(ctx, email)
	if err == nil {
		if err := s.users.LinkProvider(ctx, user.ID, string(provider), providerID); err != nil {
			log.Error("failed to link provider", sl.Err(err))
			return models.User{}, fmt.Errorf("%s: %w", op, err)
		}

		setProviderID(&user, provider, providerID)

		log.Info("linked provider to existing account", slog.Int64("uid", user.ID))

		return user, nil
	}
	if !errors.Is(err, storage.ErrUserNotFound) {
		log.Error("failed to look up email", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	nu := models.NewUser{
		Email:           email,
		FirstName:       firstName,
		LastName:        lastName,
		IsEmailVerified: true,
	}

	switch provider {
	case ProviderGoogle:
		nu.GoogleID = &providerID
	case ProviderGithub:
		nu.GithubID = &providerID
	}

	user, err = s.users.CreateUser(ctx, nu)
	if err != nil {
		log.Error("failed to create user", sl.Err(err))
		return models.User{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("created user from provider identity", slog.Int64("uid", user.ID))

	return user, nil
}

func setProviderID(u *models.User, provider Provider, providerID string) {
	switch provider {
	case ProviderGoogle:
		u.GoogleID = &providerID
	case ProviderGithub:
		u.GithubID = &providerID
	}
}
