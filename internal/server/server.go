package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mitsume/internal/app"
	"mitsume/internal/config"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間
const shutdownTimeout = 5 * time.Second

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	app        *app.App
	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// New は新しいServerインスタンスを作成する
func New(ctx context.Context, cfg *config.Config, a *app.App, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	doc, err := LoadOpenAPI(ctx)
	if err != nil {
		return nil, err
	}
	validate, err := requestValidator(doc)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), a.Metrics().Middleware(), validate)

	// WebSocketとストリームはシャットダウン開始時に閉じる
	baseCtx, cancelBase := context.WithCancel(context.Background())
	s := &Server{
		config: cfg,
		app:    a,
		engine: engine,
		logger: logger,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			BaseContext:  func(net.Listener) context.Context { return baseCtx },
		},
	}
	s.httpServer.RegisterOnShutdown(cancelBase)
	s.setupRoutes()
	return s, nil
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	r := s.engine

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.app.Metrics().Handler()))
	r.GET("/api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", openapiSpec)
	})

	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/devices", s.handleListDevices)
	api.PUT("/selection", s.handleSelect)
	api.GET("/diagnostics", s.handleAllDiagnostics)

	dev := api.Group("/devices/:id")
	dev.GET("/controls", s.handleGetControls)
	dev.POST("/controls/reset", s.handleResetAll)
	dev.PUT("/controls/:control", s.handleSetControl)
	dev.POST("/controls/:control/reset", s.handleResetControl)
	dev.GET("/formats", s.handleGetFormats)
	dev.POST("/capture", s.handleStartCapture)
	dev.DELETE("/capture", s.handleStopCapture)
	dev.GET("/frame", s.handleGetFrame)
	dev.GET("/thumbnail", s.handleGetThumbnail)
	dev.GET("/diagnostics", s.handleGetDiagnostics)
	dev.GET("/settings", s.handleGetSettings)
	dev.GET("/stream", s.handleStream)

	ws := r.Group("/ws")
	ws.GET("/events", s.handleEventsSocket)
	ws.GET("/preview/:id", s.handlePreviewSocket)
}

// requestLogger はリクエストごとに1行のログを出す
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("リクエストを処理しました",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.logger.Info("シグナルを受信しました", "signal", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}
