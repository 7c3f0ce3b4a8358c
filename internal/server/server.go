// Package server exposes the streaming service over HTTP: status, paths,
// device commands, Prometheus metrics and the live WebSocket feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/syncctl/internal/auth"
	"github.com/danmuck/syncctl/internal/link"
	"github.com/danmuck/syncctl/internal/observability"
	"github.com/danmuck/syncctl/internal/protocol/hid"
	"github.com/danmuck/syncctl/internal/stroke"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Controller is the slice of the streaming service the API drives.
type Controller interface {
	State() link.State
	ConnectedDevice() string
	Addresses() []string
	Mode() hid.Mode
	Paths() []stroke.Path
	SetSyncMode(m hid.Mode) bool
	EraseSync() bool
	Connect(address string) bool
	Disconnect() bool
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time

	ctrl      Controller
	live      http.Handler
	validator auth.Validator
	router    *gin.Engine
}

type Option func(*Server)

// WithAuth requires a token accepted by v on every route except /health
// and /metrics.
func WithAuth(v auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// New builds the router. live may be nil, in which case /ws is not served.
func New(id, addr string, corsOrigins []string, ctrl Controller, live http.Handler, opts ...Option) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		ctrl:     ctrl,
		live:     live,
		router:   r,
	}
	for _, opt := range opts {
		opt(s)
	}
	r.Use(gin.Recovery())
	r.Use(s.accessLog(log.Logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.TokenHeader},
		MaxAge:       12 * time.Hour,
	}))
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve runs until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.router}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Info().Str("server", s.ID).Str("addr", s.Addr).Msg("http server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
