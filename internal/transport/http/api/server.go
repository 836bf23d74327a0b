package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"confluence/internal/logger"
	"confluence/internal/market"
	"confluence/internal/orchestrator"
	"confluence/internal/pkg/circuit"
	"confluence/internal/store/journal"
)

// Instruments 是编排器对外暴露的管理接口。
type Instruments interface {
	Initialized() bool
	AddInstrument(raw string) (string, error)
	RemoveInstrument(ctx context.Context, raw string) error
	Snapshot() []orchestrator.TrackedInstrument
	Instrument(raw string) (orchestrator.TrackedInstrument, bool)
}

// JournalReader 查询评估与事件记录。
type JournalReader interface {
	RecentEvaluations(ctx context.Context, symbol string, limit int) ([]journal.EvaluationModel, error)
	RecentEvents(ctx context.Context, symbol string, limit int) ([]journal.EventModel, error)
}

type UsageSource interface {
	Usage() market.Usage
}

type BreakerSource interface {
	BreakerState() circuit.State
}

// ServerConfig 描述 HTTP 服务依赖，除 Instruments 外均可为空。
type ServerConfig struct {
	Addr          string
	Instruments   Instruments
	Journal       JournalReader
	Usage         UsageSource
	Breaker       BreakerSource
	Metrics       http.Handler
	RemoveTimeout time.Duration
}

// Server 提供管理接口、健康检查与指标。
type Server struct {
	addr   string
	router *gin.Engine
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Instruments == nil {
		return nil, errors.New("api http server requires instruments")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = 30 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &handlers{cfg: cfg}
	router.GET("/healthz", h.health)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}
	api := router.Group("/api")
	api.GET("/instruments", h.listInstruments)
	api.GET("/instruments/:symbol", h.getInstrument)
	api.POST("/instruments", h.addInstrument)
	api.DELETE("/instruments/:symbol", h.removeInstrument)
	api.GET("/usage", h.usage)
	if cfg.Journal != nil {
		api.GET("/evaluations", h.evaluations)
		api.GET("/events", h.events)
	}
	return &Server{addr: cfg.Addr, router: router}, nil
}

// requestLogger 记录接口调用，便于追踪人工操作。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Server) Handler() http.Handler { return s.router }

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("http api listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
