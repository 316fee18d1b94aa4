package oauthflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"authly/internal/auth"
	resp "authly/internal/lib/api/response"
	sl "authly/internal/lib/logger"
	"authly/internal/models"
	"authly/internal/oauth"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"golang.org/x/oauth2"
)

const stateCookie = "oauthstate"

type Response struct {
	resp.Response
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
	User         models.PublicUser `json:"user"`
}

// Redirect sends the browser to the provider's consent screen with a
// fresh state cookie.
func Redirect(
	log *slog.Logger,
	conf *oauth2.Config,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := newStateCookie(w)
		http.Redirect(w, r, conf.AuthCodeURL(state), http.StatusFound)
	}
}

// Callback exchanges the provider code, fetches the profile, reconciles
// it onto a local account and returns a credential pair.
func Callback(
	log *slog.Logger,
	provider oauth.Provider,
	conf *oauth2.Config,
	reconciler *oauth.Service,
	issuer *auth.Auth,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.oauthflow.Callback"

		log := log.With(
			slog.String("op", op),
			slog.String("provider", string(provider)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		cookie, err := r.Cookie(stateCookie)
		if err != nil || r.FormValue("state") != cookie.Value {
			log.Warn("oauth state mismatch")

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.Error("invalid oauth state"))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		token, err := conf.Exchange(ctx, r.FormValue("code"))
		if err != nil {
			log.Warn("code exchange failed", sl.Err(err))

			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, resp.Error("oauth exchange failed"))

			return
		}

		profile, err := oauth.FetchProfile(ctx, provider, conf, token)
		if err != nil {
			log.Error("failed to fetch profile", sl.Err(err))

			render.Status(r, http.StatusBadGateway)
			render.JSON(w, r, resp.Error("failed to fetch provider profile"))

			return
		}

		user, err := reconciler.Reconcile(ctx, profile.Email, provider, profile.ProviderID, profile.FirstName, profile.LastName)
		if err != nil {
			if errors.Is(err, oauth.ErrMissingProviderEmail) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, resp.Error("provider profile contains no email"))

				return
			}

			log.Error("failed to reconcile user", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("Internal error"))

			return
		}

		pair, err := issuer.IssueTokens(user)
		if err != nil {
			log.Error("failed to issue tokens", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("Internal error"))

			return
		}

		log.Info("oauth login successful", slog.Int64("uid", user.ID))

		render.JSON(w, r, Response{
			Response:     resp.OK(),
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			User:         pair.User,
		})
	}
}

func newStateCookie(w http.ResponseWriter) string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	state := base64.URLEncoding.EncodeToString(b)

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   300,
		HttpOnly: true,
	})

	return state
}
