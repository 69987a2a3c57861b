// Package handlers exposes the profile tree and the session manager over
// HTTP and WebSocket.
package handlers

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/sshdeck/internal/eventhub"
	"github.com/gluk-w/sshdeck/internal/metrics"
	"github.com/gluk-w/sshdeck/internal/middleware"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/tree"
)

// API holds the services behind the HTTP surface. Auditor, Metrics, DB,
// LogPath and AllowedIPs are optional.
type API struct {
	Store      *tree.Store
	Sessions   *sshterminal.Manager
	Hub        *eventhub.Hub
	Auditor    *sshaudit.Auditor
	Metrics    *metrics.Metrics
	DB         *gorm.DB
	Log        *zap.Logger
	LogPath    string
	Token      string
	// AllowedIPs limits which peers may reach any route.
	AllowedIPs []*net.IPNet
}

func (a *API) logger() *zap.Logger {
	if a.Log == nil {
		return zap.NewNop()
	}
	return a.Log
}

// Routes builds the router.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(a.logger().Named("http"), a.Metrics))
	r.Use(middleware.AllowIPs(a.AllowedIPs, a.logger()))

	r.Get("/health", a.HealthCheck)
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(a.Token))

		r.Route("/profiles", func(r chi.Router) {
			r.Get("/", a.ListProfiles)
			r.Post("/", a.SaveProfile)
			r.Get("/search", a.SearchProfiles)
			r.Get("/{id}", a.GetProfile)
			r.Delete("/{id}", a.DeleteProfile)
			r.Post("/{id}/connect", a.ConnectProfile)
			r.Post("/{id}/deploy-key", a.DeployKey)
		})

		r.Route("/folders", func(r chi.Router) {
			r.Post("/", a.CreateFolder)
			r.Delete("/{id}", a.DeleteFolder)
			r.Put("/{id}/parent", a.ReparentFolder)
		})

		r.Route("/tree", func(r chi.Router) {
			r.Put("/", a.ReplaceTree)
			r.Post("/batch", a.ApplyBatch)
			r.Post("/import", a.ImportTree)
			r.Post("/export", a.ExportTreeFile)
			r.Get("/export", a.ExportTree)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", a.ListSessions)
			r.Get("/{id}", a.SessionStatus)
			r.Delete("/{id}", a.DisconnectSession)
			r.Post("/{id}/connect", a.ConnectSession)
			r.Post("/{id}/send", a.SendToSession)
			r.Post("/{id}/resize", a.ResizeSession)
			r.Get("/{id}/scrollback", a.SessionScrollback)
			r.Get("/{id}/terminal", a.TerminalWS)
		})

		r.Route("/keys", func(r chi.Router) {
			r.Post("/", a.GenerateKey)
			r.Post("/inspect", a.InspectKey)
		})

		r.Get("/events", a.EventsWS)
		r.Get("/audit", a.QueryAudit)
		r.Get("/logs", a.GetServerLogs)
	})
	return r
}

// Handler returns the router as a plain http.Handler.
func (a *API) Handler() http.Handler {
	return a.Routes()
}
