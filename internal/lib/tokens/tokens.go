package tokens

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token type discriminators. Verify rejects a token whose "type" claim
// does not match the expected one, so a leaked access token cannot be
// replayed as a magic link and vice versa.
const (
	TypeAccess    = "access"
	TypeRefresh   = "refresh"
	TypeMagicLink = "magic_link"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidTokenType = errors.New("invalid token type")
	ErrBadDuration      = errors.New("malformed duration expression")
)

// Claims is the payload carried inside a signed token. TokenID is only
// set for magic-link tokens and correlates the token with its stored
// record.
type Claims struct {
	UserID   int64
	Email    string
	TokenID  string
	Type     string
	IssuedAt time.Time
}

// Mint signs claims with the given secret. A zero ttl produces a token
// without an expiry claim.
func Mint(c Claims, secret string, ttl time.Duration, now time.Time) (string, error) {
	const op = "tokens.Mint"

	claims := jwt.MapClaims{
		"sub":   c.UserID,
		"email": c.Email,
		"type":  c.Type,
		"iat":   now.Unix(),
	}

	if c.TokenID != "" {
		claims["token_id"] = c.TokenID
	}

	if ttl > 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// Verify checks the signature and expiry of a signed token and enforces
// the type discriminator.
func Verify(tokenStr, secret, wantType string) (Claims, error) {
	const op = "tokens.Verify"

	claims := jwt.MapClaims{}

	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%s: unexpected signing method: %v", op, t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, ErrInvalidToken
	}

	if !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}

	tokenType, ok := claims["type"].(string)
	if !ok || tokenType != wantType {
		return Claims{}, ErrInvalidTokenType
	}

	sub, ok := claims["sub"].(float64)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	email, ok := claims["email"].(string)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		UserID: int64(sub),
		Email:  email,
		Type:   tokenType,
	}

	if tokenID, ok := claims["token_id"].(string); ok {
		out.TokenID = tokenID
	}

	if iat, ok := claims["iat"].(float64); ok {
		out.IssuedAt = time.Unix(int64(iat), 0)
	}

	return out, nil
}

var durationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseDuration parses a duration expression of the form <integer><unit>
// where unit is one of s, m, h, d. Any other form is rejected.
func ParseDuration(expr string) (time.Duration, error) {
	match := durationRe.FindStringSubmatch(expr)
	if match == nil {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, expr)
	}

	value, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadDuration, expr)
	}

	switch match[2] {
	case "s":
		return time.Duration(value) * time.Second, nil
	case "m":
		return time.Duration(value) * time.Minute, nil
	case "h":
		return time.Duration(value) * time.Hour, nil
	case "d":
		return time.Duration(value) * 24 * time.Hour, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrBadDuration, expr)
}
