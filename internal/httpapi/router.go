package httpapi

import (
	"net/http"

	"konchat/backend/internal/config"
	"konchat/backend/internal/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(cfg config.Config, h Handler, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.Nop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(log.With("component", "http")))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Test-Email", "X-Test-Google-Sub", "X-Test-Name"},
		ExposedHeaders:   []string{"Content-Type", "X-Response-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Route("/auth", func(authR chi.Router) {
			authR.Post("/google", h.AuthGoogle)
			authR.With(h.RequireSession).Get("/me", h.AuthMe)
			authR.Post("/logout", h.AuthLogout)
		})

		v1.Get("/models", h.ListModels)
		v1.Get("/credits", h.Credits)
		v1.With(h.RequireSession).Post("/credits/sync", h.SyncCredits)
		v1.Post("/billing/webhook", h.BillingWebhook)

		v1.Route("/chats", func(chats chi.Router) {
			chats.With(h.RequireSession).Get("/", h.ListChats)
			chats.Get("/{chatID}", h.GetChat)
			chats.Post("/{chatID}", h.StreamTurn)
			chats.With(h.RequireSession).Delete("/{chatID}", h.DeleteChat)
			chats.With(h.RequireSession).Put("/{chatID}/visibility", h.SetVisibility)
		})
	})

	return r
}
