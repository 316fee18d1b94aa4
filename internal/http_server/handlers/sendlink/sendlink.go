package sendlink

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	resp "authly/internal/lib/api/response"
	sl "authly/internal/lib/logger"
	"authly/internal/magiclink"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
)

type Request struct {
	Email string `json:"email" validate:"required,email"`
}

type Response struct {
	resp.Response
	Message  string `json:"message"`
	DevToken string `json:"dev_token,omitempty"`
}

func New(
	log *slog.Logger,
	validate *validator.Validate,
	service *magiclink.Service,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.sendlink.New"

		log := log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		var req Request

		err := render.DecodeJSON(r.Body, &req)
		if err != nil {
			log.Error("Failed to decode request body", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.Error("Failed to decode request"))

			return
		}

		log.Info("Request body decoded")

		if err := validate.Struct(req); err != nil {
			validateErr := err.(validator.ValidationErrors)

			log.Error("Invalid request", sl.Err(err))

			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, resp.ValidationError(validateErr))

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer cancel()

		result, err := service.Send(ctx, req.Email, clientIP(r), r.UserAgent())
		if err != nil {
			if errors.Is(err, magiclink.ErrRateLimited) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, resp.Error("Too many magic link requests. Please try again later."))

				return
			}

			if errors.Is(err, magiclink.ErrDeliveryFailed) {
				log.Error("delivery failed", sl.Err(err))

				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, resp.Error("Failed to send magic link. Please try again."))

				return
			}

			log.Error("failed to send magic link", sl.Err(err))

			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, resp.Error("Internal error"))

			return
		}

		log.Info("Magic link request handled")

		render.JSON(w, r, Response{
			Response: resp.OK(),
			Message:  result.Message,
			DevToken: result.DevToken,
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
