package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"authly/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// Profile is the normalized identity extracted from a provider's
// userinfo endpoint.
type Profile struct {
	ProviderID string
	Email      string
	FirstName  string
	LastName   string
}

// Configs builds the oauth2 client configs for every supported
// provider, keyed by provider name.
func Configs(cfg config.OAuth) map[Provider]*oauth2.Config {
	return map[Provider]*oauth2.Config{
		ProviderGoogle: {
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.CallbackURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		ProviderGithub: {
			ClientID:     cfg.Github.ClientID,
			ClientSecret: cfg.Github.ClientSecret,
			RedirectURL:  cfg.Github.CallbackURL,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     github.Endpoint,
		},
	}
}

const (
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	githubUserInfoURL = "https://api.github.com/user"
)

// FetchProfile retrieves and normalizes the userinfo for an exchanged
// token. GitHub keeps the email optional on the profile; a missing one
// surfaces later as ErrMissingProviderEmail during reconciliation.
func FetchProfile(ctx context.Context, provider Provider, conf *oauth2.Config, token *oauth2.Token) (Profile, error) {
	const op = "oauth.FetchProfile"

	client := conf.Client(ctx, token)

	switch provider {
	case ProviderGoogle:
		var info struct {
			ID         string `json:"id"`
			Email      string `json:"email"`
			GivenName  string `json:"given_name"`
			FamilyName string `json:"family_name"`
		}

		if err := getJSON(client, googleUserInfoURL, &info); err != nil {
			return Profile{}, fmt.Errorf("%s: %w", op, err)
		}

		return Profile{
			ProviderID: info.ID,
			Email:      info.Email,
			FirstName:  info.GivenName,
			LastName:   info.FamilyName,
		}, nil

	case ProviderGithub:
		var info struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
			Name  string `json:"name"`
		}

		if err := getJSON(client, githubUserInfoURL, &info); err != nil {
			return Profile{}, fmt.Errorf("%s: %w", op, err)
		}

		first, last := splitName(info.Name)

		return Profile{
			ProviderID: fmt.Sprintf("%d", info.ID),
			Email:      info.Email,
			FirstName:  first,
			LastName:   last,
		}, nil
	}

	return Profile{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownProvider, provider)
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("userinfo request failed: %s: %s", resp.Status, body)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func splitName(displayName string) (first, last string) {
	parts := strings.Fields(displayName)
	if len(parts) == 0 {
		return "", ""
	}

	return parts[0], strings.Join(parts[1:], " ")
}
