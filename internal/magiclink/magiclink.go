package magiclink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"authly/internal/auth"
	sl "authly/internal/lib/logger"
	"authly/internal/lib/tokens"
	"authly/internal/models"
	"authly/internal/storage"

	"github.com/google/uuid"
)

var (
	ErrRateLimited    = errors.New("too many magic link requests")
	ErrDeliveryFailed = errors.New("failed to send magic link")
	ErrTokenNotFound  = errors.New("magic link token not found")
	ErrAlreadyUsed    = errors.New("magic link has already been used")
	ErrLinkExpired    = errors.New("magic link has expired")
)

type TokenStore interface {
	CreateMagicLinkToken(ctx context.Context, t *models.MagicLinkToken) error
	MagicLinkToken(ctx context.Context, tokenID string, userID int64) (models.MagicLinkToken, error)
	ConsumeMagicLinkToken(ctx context.Context, tokenID string, usedAt time.Time) (bool, error)
	CountRecentMagicLinkTokens(ctx context.Context, email string, since time.Time) (int64, error)
	DeleteMagicLinkToken(ctx context.Context, tokenID string) error
	DeleteExpiredMagicLinkTokens(ctx context.Context, userID int64, now time.Time) (int64, error)
	MagicLinkStats(ctx context.Context, userID int64) (models.MagicLinkStats, error)
}

type UserProvider interface {
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, id int64) (models.User, error)
	CreateUser(ctx context.Context, nu models.NewUser) (models.User, error)
	SetEmailVerified(ctx context.Context, userID int64) error
}

type Sender interface {
	Send(ctx context.Context, msg models.Message) error
}

type Issuer interface {
	IssueTokens(user models.User) (models.TokenPair, error)
}

type Service struct {
	log         *slog.Logger
	store       TokenStore
	users       UserProvider
	sender      Sender
	issuer      Issuer
	secret      string
	ttl         time.Duration
	ttlExpr     string
	rateLimit   int
	rateWindow  time.Duration
	frontendURL string
	devMode     bool
	now         func() time.Time
}

func New(
	log *slog.Logger,
	store TokenStore,
	users UserProvider,
	sender Sender,
	issuer Issuer,
	secret string,
	ttlExpr string,
	rateLimit int,
	rateWindow time.Duration,
	frontendURL string,
	devMode bool,
) (*Service, error) {
	const op = "magiclink.New"

	ttl, err := tokens.ParseDuration(ttlExpr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Service{
		log:         log,
		store:       store,
		users:       users,
		sender:      sender,
		issuer:      issuer,
		secret:      secret,
		ttl:         ttl,
		ttlExpr:     ttlExpr,
		rateLimit:   rateLimit,
		rateWindow:  rateWindow,
		frontendURL: frontendURL,
		devMode:     devMode,
		now:         time.Now,
	}, nil
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type SendResult struct {
	Message  string `json:"message"`
	DevToken string `json:"dev_token,omitempty"`
}

type VerifyResult struct {
	Message      string            `json:"message"`
	User         models.PublicUser `json:"user"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
}

// * Send выпускает magic link и отправляет его на email
//
// Steps: rate check, user lookup-or-create, token mint, persist,
// deliver. If delivery fails the persisted record is rolled back so a
// never-received link cannot later be redeemed.
func (s *Service) Send(ctx context.Context, email, ipAddress, userAgent string) (SendResult, error) {
	const op = "magiclink.Service.Send"

	log := s.log.With(slog.String("op", op))

	email = auth.NormalizeEmail(email)
	now := s.now()

	recent, err := s.store.CountRecentMagicLinkTokens(ctx, email, now.Add(-s.rateWindow))
	if err != nil {
		log.Error("failed to count recent tokens", sl.Err(err))
		return SendResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if recent >= int64(s.rateLimit) {
		log.Warn("rate limit exceeded", slog.String("email", email))
		return SendResult{}, ErrRateLimited
	}

	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			log.Error("failed to get user", sl.Err(err))
			return SendResult{}, fmt.Errorf("%s: %w", op, err)
		}

		user, err = s.users.CreateUser(ctx, models.NewUser{Email: email})
		if err != nil {
			log.Error("failed to create user", sl.Err(err))
			return SendResult{}, fmt.Errorf("%s: %w", op, err)
		}

		log.Info("created new user for magic link", slog.Int64("uid", user.ID))
	}

	tokenID := uuid.NewString()

	signed, err := tokens.Mint(tokens.Claims{
		UserID:  user.ID,
		Email:   user.Email,
		TokenID: tokenID,
		Type:    tokens.TypeMagicLink,
	}, s.secret, s.ttl, now)
	if err != nil {
		log.Error("failed to sign token", sl.Err(err))
		return SendResult{}, fmt.Errorf("%s: %w", op, err)
	}

	record := &models.MagicLinkToken{
		Token:     tokenID,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}

	if err := s.store.CreateMagicLinkToken(ctx, record); err != nil {
		log.Error("failed to persist token", sl.Err(err))
		return SendResult{}, fmt.Errorf("%s: %w", op, err)
	}

	link := fmt.Sprintf("%s/magic-link?token=%s", s.frontendURL, signed)

	msg := models.Message{
		To:      email,
		Subject: "Your Magic Link for Authly",
		HTML:    emailBody(link, s.ttlExpr, ipAddress, now),
	}

	if err := s.sender.Send(ctx, msg); err != nil {
		log.Error("failed to send email", sl.Err(err))

		// Delivery may have failed because the request context died;
		// the rollback must still reach the store or the undelivered
		// token stays redeemable.
		rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if delErr := s.store.DeleteMagicLinkToken(rollbackCtx, tokenID); delErr != nil {
			log.Error("failed to roll back token", sl.Err(delErr))
		}

		if s.devMode {
			return SendResult{
				Message:  "Development mode: Email service not configured",
				DevToken: signed,
			}, nil
		}

		return SendResult{}, ErrDeliveryFailed
	}

	log.Info("magic link sent",
		slog.Int64("uid", user.ID),
		slog.String("token_id", tokenID),
	)

	return SendResult{Message: "Magic link sent to your email successfully"}, nil
}

// Verify redeems a magic link: signature and type check, record lookup
// by correlation id and owner, single-use and expiry enforcement,
// atomic consumption, then credential issuance. The persisted record's
// expiry is authoritative over the token's embedded one.
func (s *Service) Verify(ctx context.Context, tokenStr string) (VerifyResult, error) {
	const op = "magiclink.Service.Verify"

	log := s.log.With(slog.String("op", op))

	claims, err := tokens.Verify(tokenStr, s.secret, tokens.TypeMagicLink)
	if err != nil {
		log.Warn("token rejected", sl.Err(err))
		return VerifyResult{}, err
	}

	record, err := s.store.MagicLinkToken(ctx, claims.TokenID, claims.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("token not found", slog.String("token_id", claims.TokenID))
			return VerifyResult{}, ErrTokenNotFound
		}

		log.Error("failed to look up token", sl.Err(err))
		return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if record.IsUsed {
		log.Warn("token already used", slog.String("token_id", record.Token))
		return VerifyResult{}, ErrAlreadyUsed
	}

	now := s.now()

	if record.IsExpired(now) {
		log.Warn("token expired", slog.String("token_id", record.Token))
		return VerifyResult{}, ErrLinkExpired
	}

	consumed, err := s.store.ConsumeMagicLinkToken(ctx, record.Token, now)
	if err != nil {
		log.Error("failed to consume token", sl.Err(err))
		return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if !consumed {
		// Lost the race against a concurrent verification.
		log.Warn("token consumed concurrently", slog.String("token_id", record.Token))
		return VerifyResult{}, ErrAlreadyUsed
	}

	user, err := s.users.UserByID(ctx, record.UserID)
	if err != nil {
		log.Error("failed to load user", sl.Err(err))
		return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	if !user.IsEmailVerified {
		if err := s.users.SetEmailVerified(ctx, user.ID); err != nil {
			log.Error("failed to mark email verified", sl.Err(err))
			return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
		}
		user.IsEmailVerified = true
	}

	pair, err := s.issuer.IssueTokens(user)
	if err != nil {
		log.Error("failed to issue tokens", sl.Err(err))
		return VerifyResult{}, fmt.Errorf("%s: %w", op, err)
	}

	// Best effort: sweep this user's other expired tokens.
	if _, err := s.store.DeleteExpiredMagicLinkTokens(ctx, user.ID, now); err != nil {
		log.Warn("failed to clean up expired tokens", sl.Err(err))
	}

	log.Info("magic link verified", slog.Int64("uid", user.ID))

	return VerifyResult{
		Message:      "Login successful",
		User:         pair.User,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, nil
}

func (s *Service) Stats(ctx context.Context, userID int64) (models.MagicLinkStats, error) {
	const op = "magiclink.Service.Stats"

	stats, err := s.store.MagicLinkStats(ctx, userID)
	if err != nil {
		return models.MagicLinkStats{}, fmt.Errorf("%s: %w", op, err)
	}

	return stats, nil
}

func emailBody(link, ttlExpr, ipAddress string, now time.Time) string {
	return fmt.Sprintf(`
	<div style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto;">
		<h1 style="color: #333;">Welcome to Authly</h1>
		<p>Click the button below to securely login to your account:</p>
		<div style="text-align: center; margin: 30px 0;">
			<a href="%s"
			   style="background-color: #007bff; color: white; padding: 12px 24px;
			          text-decoration: none; border-radius: 6px; display: inline-block;">
				Login to Authly
			</a>
		</div>
		<p style="color: #666; font-size: 14px;">
			This link will expire in %s and can only be used once.
		</p>
		<p style="color: #666; font-size: 14px;">
			If you didn't request this link, please ignore this email.
		</p>
		<hr style="margin: 30px 0; border: none; border-top: 1px solid #eee;">
		<p style="color: #999; font-size: 12px;">
			Request from IP: %s<br>
			Time: %s
		</p>
	</div>`, link, ttlExpr, ipAddress, now.UTC().Format(time.RFC3339))
}
