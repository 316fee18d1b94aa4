package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sl "authly/internal/lib/logger"
	"authly/internal/lib/tokens"
	"authly/internal/models"
	"authly/internal/storage"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrEmailExists         = errors.New("email already exists")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, id int64) (models.User, error)
	CreateUser(ctx context.Context, nu models.NewUser) (models.User, error)
}

type Auth struct {
	log           *slog.Logger
	usrProvider   UserProvider
	accessSecret  string
	refreshSecret string
	accessTTL     time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

func New(
	log *slog.Logger,
	userProvider UserProvider,
	accessSecret, refreshSecret string,
	accessTTL, refreshTTL time.Duration,
) *Auth {
	return &Auth{
		log:           log,
		usrProvider:   userProvider,
		accessSecret:  accessSecret,
		refreshSecret: refreshSecret,
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		now:           time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (a *Auth) WithClock(now func() time.Time) *Auth {
	a.now = now
	return a
}

// IssueTokens mints an access/refresh pair for an already verified
// identity. Access and refresh tokens are signed with distinct secrets
// so one can never stand in for the other.
func (a *Auth) IssueTokens(user models.User) (models.TokenPair, error) {
	const op = "auth.IssueTokens"

	now := a.now()

	claims := tokens.Claims{
		UserID: user.ID,
		Email:  user.Email,
	}

	claims.Type = tokens.TypeAccess
	accessToken, err := tokens.Mint(claims, a.accessSecret, a.accessTTL, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	claims.Type = tokens.TypeRefresh
	refreshToken, err := tokens.Mint(claims, a.refreshSecret, a.refreshTTL, now)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         user.Public(),
	}, nil
}

// * Login проверяет учетные данные и возвращает пару токенов
func (a *Auth) Login(ctx context.Context, email, password string) (models.TokenPair, error) {
	const op = "auth.Login"

	log := a.log.With(slog.String("op", op))

	user, err := a.usrProvider.UserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found")
			return models.TokenPair{}, ErrInvalidCredentials
		}

		log.Error("failed to get user", sl.Err(err))
		return models.TokenPair{}, err
	}

	if len(user.PassHash) == 0 {
		log.Info("password login attempted for passwordless account")
		return models.TokenPair{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Info("invalid credentials", sl.Err(err))
		return models.TokenPair{}, ErrInvalidCredentials
	}

	pair, err := a.IssueTokens(user)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return models.TokenPair{}, err
	}

	log.Info("user logged in successfully", slog.Int64("uid", user.ID))

	return pair, nil
}

func (a *Auth) Register(
	ctx context.Context,
	email, password, firstName, lastName string,
) (models.TokenPair, error) {
	const op = "auth.Register"

	log := a.log.With(
		slog.String("op", op),
	)

	log.Info("Registering new user")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	user, err := a.usrProvider.CreateUser(ctx, models.NewUser{
		Email:     NormalizeEmail(email),
		PassHash:  passHash,
		FirstName: firstName,
		LastName:  lastName,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			log.Warn("User already exists")

			return models.TokenPair{}, ErrEmailExists
		}

		log.Error("Failed to save user", sl.Err(err))

		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.IssueTokens(user)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("uid", user.ID))

	return pair, nil
}

// Refresh verifies a refresh token and issues a brand-new pair. The
// prior refresh token stays valid until its own expiry; rotation with
// reuse detection is a hardening candidate.
func (a *Auth) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	const op = "auth.Refresh"

	log := a.log.With(
		slog.String("op", op),
	)

	claims, err := tokens.Verify(refreshToken, a.refreshSecret, tokens.TypeRefresh)
	if err != nil {
		log.Warn("refresh token rejected", sl.Err(err))
		return models.TokenPair{}, ErrInvalidRefreshToken
	}

	user, err := a.usrProvider.UserByID(ctx, claims.UserID)
	if err != nil {
		log.Warn("failed to load user", sl.Err(err))
		return models.TokenPair{}, ErrInvalidRefreshToken
	}

	pair, err := a.IssueTokens(user)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return models.TokenPair{}, err
	}

	log.Info("refresh successful", slog.Int64("uid", user.ID))

	return pair, nil
}

// NormalizeEmail lower-cases and trims an address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
