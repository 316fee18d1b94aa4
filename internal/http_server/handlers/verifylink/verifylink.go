package verifylink

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	resp "authly/internal/lib/api/response"
	sl "authly/internal/lib/logger"
	"authly/internal/magiclink"
	"authly/internal/models"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
)

type Response struct {
	resp.Response
	Message      string            `json:"message"`
	User         models.PublicUser `json:"user"`
	AccessToken  string            `json:"access_token"`
	RefreshToken string            `json:"refresh_token"`
}

func New(
	log *slog.Logger,
	service *magiclink.Service,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.verifylink.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		token := r.URL.Query().Get("token")
		if token == "" {
			log.Warn("missing token")

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.Error("missing token"))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		result, err := service.Verify(ctx, token)
		if err != nil {
			// Which sub-check failed stays in the logs. Callers always
			// get the same answer so the endpoint cannot be used as an
			// oracle for token state.
			log.Warn("magic link rejected", sl.Err(err))

			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, resp.Error("Invalid or expired magic link"))

			return
		}

		log.Info("magic link verified", slog.Int64("uid", result.User.ID))

		render.JSON(w, r, Response{
			Response:     resp.OK(),
			Message:      result.Message,
			User:         result.User,
			AccessToken:  result.AccessToken,
			RefreshToken: result.RefreshToken,
		})
	}
}
