// Package web serves the operator console: login, a health page showing
// today's posted count, and a manual trigger that runs the pipeline for a
// single conversation. It is a thin shell over the worker and store.
package web

import (
	"context"
	"crypto/rand"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"

	"recpost/internal/config"
	"recpost/internal/logging"
	"recpost/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	sessionName    = "recpost_session"
	sessionUserKey = "user"
)

// Trigger runs the pipeline for one conversation on demand. Satisfied by the
// worker.
type Trigger interface {
	ProcessConversation(ctx context.Context, conversationID string) error
}

// Server hosts the operator console.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	trigger  Trigger
	sessions *sessions.CookieStore
	engine   *gin.Engine
}

// New constructs the console server.
func New(cfg *config.Config, logger *slog.Logger, st *store.Store, trigger Trigger) (*Server, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	srv := &Server{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "web"),
		store:    st,
		trigger:  trigger,
		sessions: sessions.NewCookieStore(key),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	engine.SetHTMLTemplate(tmpl)

	engine.GET("/login", srv.showLogin)
	engine.POST("/login", srv.login)
	engine.POST("/logout", srv.logout)

	authed := engine.Group("/", srv.requireAuth)
	authed.GET("/health", srv.health)
	authed.POST("/health/download", srv.manualDownload)

	srv.engine = engine
	return srv, nil
}

// Run serves the console until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.cfg.Web.Bind,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("console listening", logging.String("bind", s.cfg.Web.Bind))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requireAuth(c *gin.Context) {
	session, err := s.sessions.Get(c.Request, sessionName)
	if err != nil || session.Values[sessionUserKey] == nil {
		c.Redirect(http.StatusFound, "/login")
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) showLogin(c *gin.Context) {
	c.HTML(http.StatusOK, "login.html", gin.H{"Title": "Login"})
}

func (s *Server) login(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")

	if username != s.cfg.Web.Username || password != s.cfg.Web.Password {
		s.logger.Warn("failed console login attempt", logging.String("username", username))
		c.HTML(http.StatusUnauthorized, "login.html", gin.H{
			"Title": "Login",
			"Error": "Invalid credentials",
		})
		return
	}

	session, _ := s.sessions.Get(c.Request, sessionName)
	session.Values[sessionUserKey] = username
	if err := session.Save(c.Request, c.Writer); err != nil {
		s.logger.Error("save session", logging.Error(err))
		c.HTML(http.StatusInternalServerError, "login.html", gin.H{
			"Title": "Login",
			"Error": "Failed to start session",
		})
		return
	}
	c.Redirect(http.StatusFound, "/health")
}

func (s *Server) logout(c *gin.Context) {
	session, _ := s.sessions.Get(c.Request, sessionName)
	delete(session.Values, sessionUserKey)
	session.Options.MaxAge = -1
	if err := session.Save(c.Request, c.Writer); err != nil {
		s.logger.Error("clear session", logging.Error(err))
	}
	c.Redirect(http.StatusFound, "/login")
}

func (s *Server) health(c *gin.Context) {
	today := store.DayWindow(time.Now().UTC())
	count, err := s.store.PostedCountSince(c.Request.Context(), today.Start)
	if err != nil {
		s.logger.Error("posted count query", logging.Error(err))
	}
	c.HTML(http.StatusOK, "health.html", gin.H{
		"Title":           "Health",
		"PostedToday":     count,
		"IntervalMinutes": s.cfg.Worker.IntervalMinutes,
		"Message":         c.Query("message"),
	})
}

func (s *Server) manualDownload(c *gin.Context) {
	callID := c.PostForm("call_id")
	if callID == "" {
		c.Redirect(http.StatusFound, "/health?message=call+id+is+required")
		return
	}

	if err := s.trigger.ProcessConversation(c.Request.Context(), callID); err != nil {
		// Short message only; the log carries the detail.
		s.logger.Error("manual download failed",
			logging.String("conversation_id", callID),
			logging.Error(err),
		)
		c.Redirect(http.StatusFound, "/health?message="+url.QueryEscape("download failed for "+callID))
		return
	}
	c.Redirect(http.StatusFound, "/health?message="+url.QueryEscape("posted "+callID))
}
