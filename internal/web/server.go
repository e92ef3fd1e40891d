// Package web serves the small HTTP surface the assistant needs: health
// and version probes and the OAuth redirect target.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nugget/aide/internal/auth"
	"github.com/nugget/aide/internal/buildinfo"
)

// AuthSuccessMessage is sent to the owner in Telegram once sign-in
// completes.
const AuthSuccessMessage = "✅ Авторизация прошла успешно! Теперь вы можете использовать Google Calendar и Tasks."

// Exchanger completes an OAuth callback. The real implementation is
// *auth.Provider.
type Exchanger interface {
	Exchange(ctx context.Context, code, state string) (int64, error)
}

// NotifyFunc sends a message to an owner.
type NotifyFunc func(ctx context.Context, owner int64, text string) error

// Config holds the server's collaborators. Auth and Notify may be nil
// when OAuth is not configured.
type Config struct {
	Auth   Exchanger
	Notify NotifyFunc

	// Checks are run by /health; any error marks the service degraded.
	Checks map[string]func(context.Context) error

	// StatsFunc feeds /stats.
	StatsFunc func() map[string]any

	Logger *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	engine *gin.Engine
	config Config
	logger *slog.Logger
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		engine: gin.New(),
		config: cfg,
		logger: logger.With("component", "web"),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.engine.SetHTMLTemplate(loadTemplates())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/version", s.handleVersion)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/oauth/callback", s.handleOAuthCallback)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves until ctx is cancelled. A listen
// failure is returned at once.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.config.Checks))
	for name, check := range s.config.Checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": checks})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, buildinfo.Info())
}

func (s *Server) handleStats(c *gin.Context) {
	if s.config.StatsFunc == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.config.StatsFunc())
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	if s.config.Auth == nil {
		c.HTML(http.StatusNotFound, "oauth.html", pageData{Heading: "Ошибка", Message: "Авторизация не настроена."})
		return
	}
	if e := c.Query("error"); e != "" {
		s.logger.Warn("oauth callback refused by user", "error", e)
		c.HTML(http.StatusBadRequest, "oauth.html", pageData{Heading: "Ошибка авторизации", Message: "Доступ не предоставлен."})
		return
	}

	code, state := c.Query("code"), c.Query("state")
	if code == "" || state == "" {
		c.HTML(http.StatusBadRequest, "oauth.html", pageData{Heading: "Ошибка авторизации", Message: "Не хватает параметров code и state."})
		return
	}

	ctx := c.Request.Context()
	owner, err := s.config.Auth.Exchange(ctx, code, state)
	if errors.Is(err, auth.ErrInvalidState) {
		s.logger.Warn("oauth callback with unknown state")
		c.HTML(http.StatusBadRequest, "oauth.html", pageData{Heading: "Ошибка авторизации", Message: "Ссылка устарела. Выполните /auth ещё раз."})
		return
	}
	if err != nil {
		s.logger.Error("oauth callback failed", "error", err)
		c.HTML(http.StatusInternalServerError, "oauth.html", pageData{Heading: "Ошибка", Message: err.Error()})
		return
	}

	if s.config.Notify != nil {
		if err := s.config.Notify(ctx, owner, AuthSuccessMessage); err != nil {
			s.logger.Warn("failed to notify owner of sign-in", "owner", owner, "error", err)
		}
	}
	c.HTML(http.StatusOK, "oauth.html", pageData{Heading: "✅ Успешно!", Message: "Авторизация завершена. Вернитесь в Telegram."})
}
