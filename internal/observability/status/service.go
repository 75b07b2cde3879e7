package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	logx "cachewarmer/pkg/logx"
)

const (
	defaultAddr = "127.0.0.1:6060"
	pprofPrefix = "/debug/pprof"
)

func init() { gin.SetMode(gin.ReleaseMode) }

// Config controls the optional status HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool // also serve net/http/pprof under /debug/pprof/

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Source supplies the document served at /status. It must be JSON
// encodable.
type Source interface {
	Status(ctx context.Context) (any, error)
}

type Service struct {
	cfg Config
	src Source
	log logx.Logger

	mu   sync.Mutex
	addr string // bound address while serving
}

func New(cfg Config, src Source, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Service{cfg: cfg, src: src, log: log.With(logx.String("comp", "status"))}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Addr returns the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler builds the router. Every route requires the token when one is set.
func (s *Service) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLog(), s.auth())

	engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	engine.GET("/status", func(c *gin.Context) {
		doc, err := s.src.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, doc)
	})

	if s.cfg.Pprof {
		pp := engine.Group(pprofPrefix)
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		// Named profiles (heap, goroutine, ...) are served by Index.
		pp.GET("/:profile", gin.WrapF(hpprof.Index))
	}
	return engine
}

// Serve listens and serves until ctx is done. It returns nil after a clean
// shutdown; any other return means the server broke and may be restarted.
func (s *Service) Serve(ctx context.Context) error {
	cfg := s.cfg
	if !cfg.Enabled {
		return nil
	}

	// Safety: prevent accidental public exposure without auth.
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Error("status server refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", cfg.Addr))
		return nil
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("status server running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.addr = ""
		s.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("status server started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("pprof", cfg.Pprof),
		logx.Bool("token_set", cfg.Token != ""),
	)

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return errors.New("status server exited unexpectedly")
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	<-errCh
	s.log.Info("status server stopped")
	return nil
}

// auth accepts "Authorization: Bearer <token>" or ?token=<token>.
func (s *Service) auth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.Token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		if got := c.Query("token"); got != "" {
			if got == tok {
				c.Next()
				return
			}
		} else if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, "Bearer ") &&
			strings.TrimSpace(strings.TrimPrefix(ah, "Bearer ")) == tok {
			c.Next()
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatus(http.StatusUnauthorized)
	}
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("status request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("code", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func isLoopbackAddr(addr string) bool {
	// addr is expected in host:port (host may be empty).
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
