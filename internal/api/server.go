// Package api is the admin HTTP API: subscriber and message CRUD plus the
// queue-send action.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"newsletter/internal/newsletter"
	"newsletter/internal/storage"
	logx "newsletter/pkg/logx"

	rtsup "newsletter/internal/runtime/supervisor"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Sender is satisfied by *pipeline.Trigger.
type Sender interface {
	RequestSend(ctx context.Context, id int64) (newsletter.Message, error)
}

type Server struct {
	mu     sync.Mutex
	cfg    Config
	store  storage.Store
	sender Sender
	log    logx.Logger
	router *gin.Engine

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

var ginModeOnce sync.Once

func New(cfg Config, store storage.Store, sender Sender, log logx.Logger) *Server {
	ginModeOnce.Do(func() { gin.SetMode(gin.ReleaseMode) })
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg:    cfg,
		store:  store,
		sender: sender,
		log:    log.With(logx.String("comp", "api")),
	}
	s.router = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLog(), gin.CustomRecovery(func(c *gin.Context, rec any) {
		s.log.Error("handler panic", logx.Any("panic", rec), logx.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Detail: "internal error"})
	}))
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Detail: "Not found."})
	})

	r.GET("/healthz", s.healthz)

	api := r.Group("/api")
	subs := api.Group("/subscribers")
	subs.GET("", s.listSubscribers)
	subs.POST("", s.createSubscriber)
	subs.GET("/:id", s.getSubscriber)
	subs.PATCH("/:id", s.updateSubscriber)
	subs.DELETE("/:id", s.deleteSubscriber)

	msgs := api.Group("/messages")
	msgs.GET("", s.listMessages)
	msgs.POST("", s.createMessage)
	msgs.GET("/:id", s.getMessage)
	msgs.PATCH("/:id", s.updateMessage)
	msgs.DELETE("/:id", s.deleteMessage)
	msgs.POST("/queue-send", s.queueSendMany)
	msgs.POST("/:id/queue-send", s.queueSend)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("dur", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Debug("request", fields...)
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Start binds the listener synchronously so address errors reach the
// caller, then serves under a supervisor.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("api started", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop drains in-flight requests up to ctx, then closes the listener.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	if err := srv.Shutdown(ctx); err != nil {
		s.log.Warn("api shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("api stopped")
}
