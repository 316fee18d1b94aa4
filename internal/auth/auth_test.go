package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"authly/internal/lib/tokens"
	"authly/internal/models"
	"authly/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeProvider struct {
	nextID int64
	byID   map[int64]models.User
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{nextID: 1, byID: make(map[int64]models.User)}
}

func (f *fakeProvider) UserByEmail(_ context.Context, email string) (models.User, error) {
	for _, u := range f.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return models.User{}, storage.ErrUserNotFound
}

func (f *fakeProvider) UserByID(_ context.Context, id int64) (models.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return models.User{}, storage.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeProvider) CreateUser(_ context.Context, nu models.NewUser) (models.User, error) {
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
		IsEmailVerified: nu.IsEmailVerified,
		IsActive:        true,
	}
	f.nextID++
	f.byID[u.ID] = u

	return u, nil
}

func newTestAuth(t *testing.T) (*Auth, *fakeProvider) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := newFakeProvider()

	return New(log, provider, "access-secret", "refresh-secret", 15*time.Minute, 7*24*time.Hour), provider
}

func TestRegisterAndLogin(t *testing.T) {
	a, _ := newTestAuth(t)

	pair, err := a.Register(context.Background(), "Alice@Example.com", "hunter2secret", "Alice", "Smith")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, "alice@example.com", pair.User.Email)

	// Login with different email casing resolves the same account.
	pair2, err := a.Login(context.Background(), "ALICE@example.COM", "hunter2secret")
	require.NoError(t, err)
	assert.Equal(t, pair.User.ID, pair2.User.ID)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	a, _ := newTestAuth(t)

	_, err := a.Register(context.Background(), "dup@example.com", "hunter2secret", "", "")
	require.NoError(t, err)

	_, err = a.Register(context.Background(), "dup@example.com", "otherpassword", "", "")
	assert.ErrorIs(t, err, ErrEmailExists)
}

func TestLoginWrongPassword(t *testing.T) {
	a, _ := newTestAuth(t)

	_, err := a.Register(context.Background(), "bob@example.com", "correcthorse", "", "")
	require.NoError(t, err)

	_, err = a.Login(context.Background(), "bob@example.com", "wronghorse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUnknownUser(t *testing.T) {
	a, _ := newTestAuth(t)

	_, err := a.Login(context.Background(), "nobody@example.com", "whatever")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginPasswordlessAccount(t *testing.T) {
	a, provider := newTestAuth(t)

	_, err := provider.CreateUser(context.Background(), models.NewUser{Email: "magic@example.com"})
	require.NoError(t, err)

	_, err = a.Login(context.Background(), "magic@example.com", "anything")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestIssueTokensDistinctSecrets(t *testing.T) {
	a, _ := newTestAuth(t)

	user := models.User{ID: 7, Email: "t@example.com"}

	pair, err := a.IssueTokens(user)
	require.NoError(t, err)

	// Access token verifies only as an access token, with the access
	// secret; the refresh token is useless in its place.
	claims, err := tokens.Verify(pair.AccessToken, "access-secret", tokens.TypeAccess)
	require.NoError(t, err)
	assert.EqualValues(t, 7, claims.UserID)

	_, err = tokens.Verify(pair.RefreshToken, "access-secret", tokens.TypeRefresh)
	assert.Error(t, err)

	_, err = tokens.Verify(pair.AccessToken, "refresh-secret", tokens.TypeAccess)
	assert.Error(t, err)
}

func TestPublicUserOmitsSensitiveFields(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secretpw"), bcrypt.MinCost)
	require.NoError(t, err)

	gid := "google-123"
	user := models.User{
		ID:       3,
		Email:    "safe@example.com",
		PassHash: hash,
		GoogleID: &gid,
	}

	raw, err := json.Marshal(user.Public())
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "secretpw")
	assert.NotContains(t, string(raw), "google-123")
	assert.NotContains(t, string(raw), "hash")
}

func TestRefreshIssuesNewPair(t *testing.T) {
	a, _ := newTestAuth(t)

	base := time.Now()
	a.WithClock(func() time.Time { return base })

	pair, err := a.Register(context.Background(), "r@example.com", "hunter2secret", "", "")
	require.NoError(t, err)

	a.WithClock(func() time.Time { return base.Add(time.Minute) })

	next, err := a.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	assert.NotEqual(t, pair.AccessToken, next.AccessToken)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, pair.User.ID, next.User.ID)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	a, _ := newTestAuth(t)

	pair, err := a.Register(context.Background(), "x@example.com", "hunter2secret", "", "")
	require.NoError(t, err)

	_, err = a.Refresh(context.Background(), pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshDeletedUser(t *testing.T) {
	a, provider := newTestAuth(t)

	pair, err := a.Register(context.Background(), "gone@example.com", "hunter2secret", "", "")
	require.NoError(t, err)

	delete(provider.byID, pair.User.ID)

	_, err = a.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRefreshGarbage(t *testing.T) {
	a, _ := newTestAuth(t)

	_, err := a.Refresh(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}
