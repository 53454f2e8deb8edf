// Package bootstrap は設定からアプリケーション全体を組み立てて起動する
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"mitsume/internal/app"
	"mitsume/internal/camera"
	"mitsume/internal/capture"
	"mitsume/internal/config"
	"mitsume/internal/events"
	"mitsume/internal/metrics"
	"mitsume/internal/preview"
	"mitsume/internal/server"
	"mitsume/internal/settings"
)

// stopTimeout はアプリケーション停止の待ち時間
const stopTimeout = 5 * time.Second

// NewLogger はログ設定からロガーを作成する
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Backends は有効なバックエンドを作成する
func Backends(cfg *config.Config, logger *slog.Logger) []camera.Backend {
	var backends []camera.Backend
	b := cfg.Backends

	if b.UVC.Enabled {
		backends = append(backends, camera.NewUVCBackend(camera.UVCOptions{
			DevDir:         b.UVC.DevDir,
			SysfsDir:       b.UVC.SysfsDir,
			CommandTimeout: b.UVC.CommandTimeout,
		}, logger))
	}
	if b.Canon.Enabled {
		backends = append(backends, camera.NewCanonBackend(camera.NewMockCanonSDK(), camera.CanonOptions{
			PollInterval:     b.Canon.PollInterval,
			LiveViewInterval: b.Canon.LiveViewInterval,
		}, logger))
	}
	if b.Dummy.Enabled {
		backends = append(backends, camera.NewDummyBackend())
	}
	return backends
}

// AppOptions は設定をアプリケーションのオプションに変換する
// 0の項目は各パッケージの既定値を使う
func AppOptions(cfg *config.Config) app.Options {
	co := capture.DefaultOptions()
	if cfg.Capture.StartupTimeout > 0 {
		co.StartTimeout = cfg.Capture.StartupTimeout
	}
	if cfg.Capture.StopTimeout > 0 {
		co.StopTimeout = cfg.Capture.StopTimeout
	}
	if cfg.Capture.ThumbnailInterval > 0 {
		co.ThumbnailInterval = cfg.Capture.ThumbnailInterval
	}
	if cfg.Capture.ThumbnailQuality > 0 {
		co.ThumbnailQuality = cfg.Capture.ThumbnailQuality
	}

	po := preview.DefaultOptions()
	if cfg.Preview.GracePeriod > 0 {
		po.GracePeriod = cfg.Preview.GracePeriod
	}
	if cfg.Preview.FailureBudget > 0 {
		po.FailureBudget = cfg.Preview.FailureBudget
	}
	if cfg.Preview.FetchTimeout > 0 {
		po.FetchTimeout = cfg.Preview.FetchTimeout
	}

	return app.Options{
		Capture:   co,
		Preview:   po,
		AutoStart: cfg.Capture.AutoStart,
		DefaultFormat: camera.FormatDescriptor{
			Width:  cfg.Capture.Width,
			Height: cfg.Capture.Height,
			FPS:    cfg.Capture.FPS,
		},
		ReconcileSpec: cfg.Reconcile.Devices,
		MetricsSpec:   cfg.Reconcile.Metrics,
	}
}

// Run はアプリケーションとHTTPサーバーを起動し、ctx の終了かシグナルまで動かす
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	router := camera.NewRouter(logger, Backends(cfg, logger)...)

	persister, err := settings.NewFilePersister(cfg.Settings.Path, logger)
	if err != nil {
		return err
	}
	store := settings.NewStore(persister, settings.Options{
		QuietPeriod: cfg.Settings.QuietPeriod,
		MaxDelay:    cfg.Settings.MaxDelay,
	}, logger)

	opts := AppOptions(cfg)
	if mq := cfg.Events.MQTT; mq.Enabled {
		client, err := events.ConnectMQTT(ctx, events.MQTTOptions{
			Broker:   mq.Broker,
			ClientID: mq.ClientID,
			Username: mq.Username,
			Password: mq.Password,
		}, logger)
		if err != nil {
			// 転送先がなくても本体は動かす
			logger.Warn("MQTTブローカーに接続できないためイベント転送を無効にします", "broker", mq.Broker, "error", err)
		} else {
			defer client.Close()
			opts.Sinks = append(opts.Sinks, events.NewMQTTSink(client, mq.TopicPrefix))
		}
	}

	a := app.New(router, store, metrics.New(), opts, logger)
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("アプリケーションの起動に失敗: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			logger.Error("アプリケーションの停止に失敗しました", "error", err)
		}
	}()

	srv, err := server.New(ctx, cfg, a, logger)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}
