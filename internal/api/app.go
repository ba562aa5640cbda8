package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-erd/internal/config"
	"github.com/npezzotti/go-erd/internal/database"
	"github.com/npezzotti/go-erd/internal/server"
	"github.com/npezzotti/go-erd/internal/stats"
	"github.com/teris-io/shortid"
)

type App struct {
	log             *log.Logger
	db              database.Repository
	mux             *http.Server
	ds              *server.DiagramServer
	stats           stats.StatsProvider
	signingKey      []byte
	allowedOrigins  []string
	generateShortId func() (string, error)
}

// NewApp registers the HTTP routes on mux. The stats updater registers
// /debug/vars on the same mux.
func NewApp(mux *http.ServeMux, logger *log.Logger, ds *server.DiagramServer, db database.Repository, su stats.StatsProvider, cfg *config.Config) *App {
	if su == nil {
		su = stats.NoopStats{}
	}

	s := &App{
		log:             logger,
		db:              db,
		ds:              ds,
		stats:           su,
		signingKey:      cfg.SigningKey,
		allowedOrigins:  cfg.AllowedOrigins,
		generateShortId: shortid.Generate,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("GET /api/rooms/{id}", s.authMiddleware(s.getRoom))
	mux.HandleFunc("DELETE /api/rooms/{id}", s.authMiddleware(s.deleteRoom))
	mux.HandleFunc("POST /api/rooms/{id}/join", s.authMiddleware(s.joinRoom))
	mux.HandleFunc("GET /api/rooms/{id}/participants", s.authMiddleware(s.listParticipants))
	mux.HandleFunc("POST /api/rooms/{id}/participants", s.authMiddleware(s.addParticipant))
	mux.HandleFunc("GET /api/rooms/{id}/diagram", s.authMiddleware(s.getDiagram))
	mux.HandleFunc("PUT /api/rooms/{id}/diagram", s.authMiddleware(s.limitBody(maxDiagramBytes, s.putDiagram)))
	mux.HandleFunc("GET /api/rooms/{id}/export", s.authMiddleware(s.exportDiagram))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	if logger != nil {
		h = handlers.LoggingHandler(logger.Writer(), h)
	}

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// Handler returns the routes wrapped in the middleware chain.
func (s *App) Handler() http.Handler {
	return s.mux.Handler
}

func (s *App) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
