// Package statusapi serves the agent's state and pending idle prompts on a
// loopback HTTP endpoint.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ctolnik/activity-agent/agent/idle"
)

// Prompts is the annotation side of the API.
type Prompts interface {
	Pending() []idle.Prompt
	Answer(id string, ann idle.Annotation) error
}

type Config struct {
	Addr string
	// Status returns the document served on GET /status.
	Status  func(ctx context.Context) (any, error)
	Prompts Prompts
	Log     *zap.Logger
}

type Server struct {
	cfg    Config
	log    *zap.Logger
	engine *gin.Engine
	srv    *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg: cfg,
		log: cfg.Log.Named("statusapi"),
	}

	router := gin.New()
	router.Use(gin.Recovery(), loggerMiddleware(cfg.Log))

	router.GET("/health", s.healthHandler)
	router.GET("/status", s.statusHandler)
	router.GET("/annotations", s.listAnnotationsHandler)
	router.POST("/annotations/:id", s.answerAnnotationHandler)

	s.engine = router
	s.srv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.serveErr = make(chan error, 1)
	s.mu.Unlock()

	s.log.Info("Status API listening", zap.String("address", ln.Addr().String()))
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()
	if serveErr == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status API: %w", err)
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("status API: %w", err)
	}
	return nil
}
