package magiclink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"authly/internal/auth"
	"authly/internal/models"
	"authly/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu     sync.Mutex
	tokens map[string]*models.MagicLinkToken
	users  *fakeUsers
}

func newFakeStore(users *fakeUsers) *fakeStore {
	return &fakeStore{tokens: make(map[string]*models.MagicLinkToken), users: users}
}

func (s *fakeStore) CreateMagicLinkToken(_ context.Context, t *models.MagicLinkToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.CreatedAt = time.Now()
	cp := *t
	s.tokens[t.Token] = &cp

	return nil
}

func (s *fakeStore) MagicLinkToken(_ context.Context, tokenID string, userID int64) (models.MagicLinkToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenID]
	if !ok || t.UserID != userID {
		return models.MagicLinkToken{}, storage.ErrTokenNotFound
	}

	return *t, nil
}

func (s *fakeStore) ConsumeMagicLinkToken(_ context.Context, tokenID string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[tokenID]
	if !ok || t.IsUsed {
		return false, nil
	}

	t.IsUsed = true
	t.UsedAt = &usedAt

	return true, nil
}

func (s *fakeStore) CountRecentMagicLinkTokens(_ context.Context, email string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, t := range s.tokens {
		owner, err := s.users.UserByID(context.Background(), t.UserID)
		if err != nil {
			continue
		}
		if t.CreatedAt.After(since) && owner.Email == email {
			count++
		}
	}

	return count, nil
}

func (s *fakeStore) DeleteMagicLinkToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, tokenID)

	return nil
}

func (s *fakeStore) DeleteExpiredMagicLinkTokens(_ context.Context, userID int64, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, t := range s.tokens {
		if t.UserID == userID && t.ExpiresAt.Before(now) {
			delete(s.tokens, id)
			deleted++
		}
	}

	return deleted, nil
}

func (s *fakeStore) MagicLinkStats(_ context.Context, userID int64) (models.MagicLinkStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats models.MagicLinkStats
	for _, t := range s.tokens {
		if t.UserID != userID {
			continue
		}
		stats.TotalSent++
		if t.IsUsed {
			stats.TotalUsed++
			if stats.LastUsed == nil || t.UsedAt.After(*stats.LastUsed) {
				stats.LastUsed = t.UsedAt
			}
		}
	}

	return stats, nil
}

type fakeUsers struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*models.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{nextID: 1, byID: make(map[int64]*models.User)}
}

func (f *fakeUsers) UserByEmail(_ context.Context, email string) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.byID {
		if u.Email == email {
			return *u, nil
		}
	}

	return models.User{}, storage.ErrUserNotFound
}

func (f *fakeUsers) UserByID(_ context.Context, id int64) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.byID[id]
	if !ok {
		return models.User{}, storage.ErrUserNotFound
	}

	return *u, nil
}

func (f *fakeUsers) CreateUser(_ context.Context, nu models.NewUser) (models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.byID {
		if u.Email == nu.Email {
			return models.User{}, storage.ErrUserExists
		}
	}

	u := models.User{
		ID:              f.nextID,
		Email:           nu.Email,
		PassHash:        nu.PassHash,
		FirstName:       nu.FirstName,
		LastName:        nu.LastName,
		GoogleID:        nu.GoogleID,
		GithubID:        nu.GithubID,
		IsEmailVerified: nu.IsEmailVerified,
		IsActive:        true,
	}
	f.nextID++
	f.byID[u.ID] = &u

	return u, nil
}

func (f *fakeUsers) SetEmailVerified(_ context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.byID[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	u.IsEmailVerified = true

	return nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []models.Message
	fail bool
}

func (f *fakeSender) Send(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		return errors.New("smtp unreachable")
	}

	f.sent = append(f.sent, msg)

	return nil
}

type fixture struct {
	service *Service
	store   *fakeStore
	users   *fakeUsers
	sender  *fakeSender
	issuer  *auth.Auth
}

func newFixture(t *testing.T, devMode bool) *fixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := newFakeUsers()
	store := newFakeStore(users)
	sender := &fakeSender{}
	issuer := auth.New(log, users, "access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)

	service, err := New(
		log, store, users, sender, issuer,
		"magic-secret", "15m", 3, time.Minute,
		"http://localhost:3001", devMode,
	)
	require.NoError(t, err)

	return &fixture{service: service, store: store, users: users, sender: sender, issuer: issuer}
}

func TestSendCreatesUserAndToken(t *testing.T) {
	fx := newFixture(t, false)

	result, err := fx.service.Send(context.Background(), "new@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	assert.Equal(t, "Magic link sent to your email successfully", result.Message)
	assert.Empty(t, result.DevToken)

	user, err := fx.users.UserByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)
	assert.False(t, user.IsEmailVerified)

	require.Len(t, fx.sender.sent, 1)
	assert.Equal(t, "new@example.com", fx.sender.sent[0].To)
	assert.Contains(t, fx.sender.sent[0].HTML, "http://localhost:3001/magic-link?token=")
	assert.Contains(t, fx.sender.sent[0].HTML, "10.0.0.1")

	stats, err := fx.service.Stats(context.Background(), user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalSent)
	assert.EqualValues(t, 0, stats.TotalUsed)
}

func TestSendNormalizesEmail(t *testing.T) {
	fx := newFixture(t, false)

	_, err := fx.service.Send(context.Background(), "  USER@Example.COM ", "10.0.0.1", "go-test")
	require.NoError(t, err)

	_, err = fx.users.UserByEmail(context.Background(), "user@example.com")
	require.NoError(t, err)
}

func TestSendRateLimit(t *testing.T) {
	fx := newFixture(t, false)

	for i := 0; i < 3; i++ {
		_, err := fx.service.Send(context.Background(), "existing@example.com", "10.0.0.1", "go-test")
		require.NoError(t, err)
	}

	_, err := fx.service.Send(context.Background(), "existing@example.com", "10.0.0.1", "go-test")
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different address is unaffected.
	_, err = fx.service.Send(context.Background(), "other@example.com", "10.0.0.1", "go-test")
	assert.NoError(t, err)
}

func TestSendRateLimitWindowRollsOver(t *testing.T) {
	fx := newFixture(t, false)

	base := time.Now()
	fx.service.WithClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		_, err := fx.service.Send(context.Background(), "existing@example.com", "10.0.0.1", "go-test")
		require.NoError(t, err)
	}

	_, err := fx.service.Send(context.Background(), "existing@example.com", "10.0.0.1", "go-test")
	require.ErrorIs(t, err, ErrRateLimited)

	fx.service.WithClock(func() time.Time { return base.Add(2 * time.Minute) })

	_, err = fx.service.Send(context.Background(), "existing@example.com", "10.0.0.1", "go-test")
	assert.NoError(t, err)
}

func TestSendDeliveryFailureRollsBack(t *testing.T) {
	fx := newFixture(t, false)
	fx.sender.fail = true

	_, err := fx.service.Send(context.Background(), "new@example.com", "10.0.0.1", "go-test")
	assert.ErrorIs(t, err, ErrDeliveryFailed)

	// The user was still created, but the undelivered token is gone.
	user, err := fx.users.UserByEmail(context.Background(), "new@example.com")
	require.NoError(t, err)

	stats, err := fx.service.Stats(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalSent)
}

func TestSendDeliveryFailureDevMode(t *testing.T) {
	fx := newFixture(t, true)
	fx.sender.fail = true

	result, err := fx.service.Send(context.Background(), "dev@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	assert.NotEmpty(t, result.DevToken)
	assert.Contains(t, result.Message, "Development mode")

	// Even in dev mode the rolled-back token must not be redeemable.
	_, err = fx.service.Verify(context.Background(), result.DevToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

// ctxStore honors context cancellation the way a real pgx pool does:
// every operation fails once the context is dead.
type ctxStore struct {
	*fakeStore
}

func (s *ctxStore) DeleteMagicLinkToken(ctx context.Context, tokenID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fakeStore.DeleteMagicLinkToken(ctx, tokenID)
}

// blockingSender holds the delivery open until the request context
// dies, like an SMTP dial that never completes.
type blockingSender struct{}

func (blockingSender) Send(ctx context.Context, _ models.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSendRollbackSurvivesRequestTimeout(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := newFakeUsers()
	store := &ctxStore{fakeStore: newFakeStore(users)}
	issuer := auth.New(log, users, "access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour)

	service, err := New(
		log, store, users, blockingSender{}, issuer,
		"magic-secret", "15m", 3, time.Minute,
		"http://localhost:3001", true,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := service.Send(ctx, "slow@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	require.NotEmpty(t, result.DevToken)

	// The request context is dead, but the record must be gone anyway.
	_, err = service.Verify(context.Background(), result.DevToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestVerifyHappyPath(t *testing.T) {
	fx := newFixture(t, true)

	_, err := fx.service.Send(context.Background(), "login@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)

	require.Len(t, fx.sender.sent, 1)
	token := tokenFromEmail(t, fx.sender.sent[0].HTML)

	result, err := fx.service.Verify(context.Background(), token)
	require.NoError(t, err)

	assert.Equal(t, "Login successful", result.Message)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.NotEqual(t, result.AccessToken, result.RefreshToken)
	assert.True(t, result.User.IsEmailVerified)

	// The flag was persisted, not just echoed.
	user, err := fx.users.UserByEmail(context.Background(), "login@example.com")
	require.NoError(t, err)
	assert.True(t, user.IsEmailVerified)
}

func TestVerifySecondAttemptAlreadyUsed(t *testing.T) {
	fx := newFixture(t, true)

	_, err := fx.service.Send(context.Background(), "login@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	token := tokenFromEmail(t, fx.sender.sent[0].HTML)

	_, err = fx.service.Verify(context.Background(), token)
	require.NoError(t, err)

	_, err = fx.service.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrAlreadyUsed)
}

func TestVerifyConcurrentSingleWinner(t *testing.T) {
	fx := newFixture(t, true)

	_, err := fx.service.Send(context.Background(), "race@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	token := tokenFromEmail(t, fx.sender.sent[0].HTML)

	const attempts = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		okCount  int
		usedErrs int
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := fx.service.Verify(context.Background(), token)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, ErrAlreadyUsed):
				usedErrs++
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, okCount)
	assert.Equal(t, attempts-1, usedErrs)
}

func TestVerifyExpiredRecord(t *testing.T) {
	fx := newFixture(t, true)

	base := time.Now()
	fx.service.WithClock(func() time.Time { return base })

	_, err := fx.service.Send(context.Background(), "late@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	token := tokenFromEmail(t, fx.sender.sent[0].HTML)

	// The persisted expiry is authoritative. The signed token's own
	// embedded exp is checked against the wall clock, which has barely
	// moved, so only the record check can reject here.
	fx.service.WithClock(func() time.Time { return base.Add(16 * time.Minute) })

	_, err = fx.service.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrLinkExpired)
}

func TestVerifyUnknownToken(t *testing.T) {
	fx := newFixture(t, true)

	// Mint a structurally valid token whose record never existed.
	fx.sender.fail = true
	result, err := fx.service.Send(context.Background(), "ghost@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)

	_, err = fx.service.Verify(context.Background(), result.DevToken)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestVerifyGarbageToken(t *testing.T) {
	fx := newFixture(t, true)

	_, err := fx.service.Verify(context.Background(), "definitely-not-a-jwt")
	assert.Error(t, err)
}

func TestVerifyCleansUpExpiredSiblings(t *testing.T) {
	fx := newFixture(t, true)

	base := time.Now()
	fx.service.WithClock(func() time.Time { return base })

	// Two links for the same user; the first will expire before the
	// second is redeemed.
	_, err := fx.service.Send(context.Background(), "sweep@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)

	fx.service.WithClock(func() time.Time { return base.Add(20 * time.Minute) })

	_, err = fx.service.Send(context.Background(), "sweep@example.com", "10.0.0.1", "go-test")
	require.NoError(t, err)
	require.Len(t, fx.sender.sent, 2)

	token := tokenFromEmail(t, fx.sender.sent[1].HTML)

	_, err = fx.service.Verify(context.Background(), token)
	require.NoError(t, err)

	user, err := fx.users.UserByEmail(context.Background(), "sweep@example.com")
	require.NoError(t, err)

	stats, err := fx.service.Stats(context.Background(), user.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalSent)
	assert.EqualValues(t, 1, stats.TotalUsed)
	require.NotNil(t, stats.LastUsed)
}

func TestNewRejectsBadTTL(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := newFakeUsers()

	_, err := New(log, newFakeStore(users), users, &fakeSender{}, nil,
		"secret", "15 minutes", 3, time.Minute, "http://localhost", false)
	assert.Error(t, err)
}

func tokenFromEmail(t *testing.T, html string) string {
	t.Helper()

	const marker = "/magic-link?token="

	start := strings.Index(html, marker)
	require.GreaterOrEqual(t, start, 0, "email body contains no magic link")
	start += len(marker)

	end := strings.IndexAny(html[start:], "\"\n")
	require.GreaterOrEqual(t, end, 0)

	return html[start : start+end]
}
