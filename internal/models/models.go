package models

import "time"

type User struct {
	ID              int64
	Email           string
	PassHash        []byte
	FirstName       string
	LastName        string
	GoogleID        *string
	GithubID        *string
	IsEmailVerified bool
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PublicUser is the externally visible view of a user. It carries no
// password hash or provider ids and is safe to serialize to callers.
type PublicUser struct {
	ID              int64  `json:"id"`
	Email           string `json:"email"`
	FirstName       string `json:"first_name,omitempty"`
	LastName        string `json:"last_name,omitempty"`
	IsEmailVerified bool   `json:"is_email_verified"`
}

func (u User) Public() PublicUser {
	return PublicUser{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		IsEmailVerified: u.IsEmailVerified,
	}
}

// NewUser carries the fields for user creation. PassHash is nil for
// passwordless (magic link / OAuth) accounts.
type NewUser struct {
	Email           string
	PassHash        []byte
	FirstName       string
	LastName        string
	GoogleID        *string
	GithubID        *string
	IsEmailVerified bool
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
	User         PublicUser
}

type MagicLinkToken struct {
	Token     string
	UserID    int64
	ExpiresAt time.Time
	IsUsed    bool
	UsedAt    *time.Time
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}

// * IsExpired проверяет, истек ли срок действия ссылки
func (t *MagicLinkToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt.Before(now)
}

type MagicLinkStats struct {
	TotalSent int64      `json:"total_sent"`
	TotalUsed int64      `json:"total_used"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}
