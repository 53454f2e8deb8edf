package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	"mitsume/internal/camera"
	"mitsume/internal/capture"
	"mitsume/internal/events"
	"mitsume/internal/hotplug"
	"mitsume/internal/metrics"
	"mitsume/internal/preview"
	"mitsume/internal/settings"
	"mitsume/internal/state"
)

// Options はアプリの動作設定
type Options struct {
	Capture       capture.Options
	Preview       preview.Options
	AutoStart     bool                    // 選択したデバイスのキャプチャを自動で開始する
	DefaultFormat camera.FormatDescriptor // 自動開始時に要求するフォーマット
	ReconcileSpec string                  // デバイス一覧の再照合 (cron書式、空なら無効)
	MetricsSpec   string                  // メトリクス更新 (cron書式、空なら無効)
	Sinks         []events.Sink           // イベントの転送先
}

// App はデバイス層、キャプチャ、プレビュー、設定保存をまとめたコマンド窓口
type App struct {
	router   *camera.Router
	settings *settings.Store
	opts     Options
	logger   *slog.Logger

	store      *state.Store
	captures   *capture.Manager
	previews   *preview.Manager
	bus        *events.Bus
	metrics    *metrics.Metrics
	dispatcher *hotplug.Dispatcher
	cron       *cron.Cron
	decoder    preview.Decoder

	backendErrors atomic.Uint64

	selMu     sync.Mutex
	selTarget camera.DeviceID
	selDirty  bool
	selWake   chan struct{}
	autoOwned camera.DeviceID

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New は新しいAppを作成する
func New(router *camera.Router, settingsStore *settings.Store, m *metrics.Metrics, opts Options, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	a := &App{
		router:   router,
		settings: settingsStore,
		opts:     opts,
		logger:   logger.With("component", "app"),
		store:    state.NewStore(logger),
		previews: preview.NewManager(),
		bus:      events.NewBus(logger),
		metrics:  m,
		decoder:  preview.NewJPEGDecoder(),
		selWake:  make(chan struct{}, 1),
	}
	a.captures = capture.NewManager(router, opts.Capture, logger.With("component", "capture"))
	a.dispatcher = hotplug.NewDispatcher(router, a.store, a, a.captures, a.bus, logger)
	a.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{a.logger}), cron.Recover(cronLogger{a.logger})))

	router.OnBackendError(func(kind camera.Kind, op string, err error) {
		a.backendErrors.Add(1)
		a.metrics.BackendError(kind, op)
	})
	a.captures.OnFailure(a.captureFailed)
	settingsStore.OnError(a.settingsFailed)
	a.store.Subscribe(a.stateChanged)

	return a
}

// Events はイベントバスを返す
func (a *App) Events() *events.Bus { return a.bus }

// Metrics はメトリクスを返す
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Start は状態ストア、設定保存、ホットプラグ監視、定期ジョブを開始する
func (a *App) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.cancel != nil {
		return errors.New("アプリは一度だけ起動できます")
	}

	if err := a.settings.Load(); err != nil {
		a.logger.Warn("保存済み設定を読み込めませんでした", "error", err)
		a.notify(events.LevelWarning, "設定ファイル", fmt.Sprintf("保存済み設定を読み込めませんでした: %v", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.goRun(func() { a.store.Run(runCtx) })
	a.goRun(func() { a.settings.Run(runCtx) })
	a.goRun(func() { a.selectionLoop(runCtx) })
	for _, sink := range a.opts.Sinks {
		a.goRun(func() { a.bus.Forward(runCtx, sink) })
	}

	// 起動時のデバイス一覧と保存済み設定の再適用
	devices := a.router.Enumerate(ctx)
	snap, err := a.store.Dispatch(ctx, state.Replace{Devices: devices})
	if err != nil {
		cancel()
		a.wg.Wait()
		return fmt.Errorf("デバイス一覧の初期化に失敗: %w", err)
	}
	for _, d := range devices {
		if restored, found, err := a.RestoreSettings(ctx, d); err != nil {
			a.logger.Warn("保存済み設定の適用に失敗しました", "device_id", d.ID, "error", err)
		} else if found {
			a.bus.Publish(events.TypeSettingsRestored, restored)
		}
	}
	if snap.Selected == "" && len(snap.Devices) > 0 {
		if _, err := a.store.Dispatch(ctx, state.Select{ID: snap.Devices[0].ID}); err != nil {
			a.logger.Warn("初期デバイスの選択に失敗しました", "error", err)
		}
	}

	if err := a.dispatcher.Start(runCtx); err != nil {
		a.logger.Warn("ホットプラグ監視を開始できませんでした。定期的な再照合のみで追従します", "error", err)
	}

	if err := a.scheduleJobs(runCtx); err != nil {
		cancel()
		a.wg.Wait()
		return err
	}
	a.cron.Start()

	a.running = true
	a.logger.Info("起動しました", "devices", len(devices), "backends", len(a.router.Backends()))
	return nil
}

// Stop は全てのループを止め、未保存の設定を書き出す
func (a *App) Stop(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	cronDone := a.cron.Stop()
	a.cancel()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		a.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("停止処理がタイムアウトしました: %w", ctx.Err())
	}

	// 選択ループが止まってから残りのセッションを閉じる
	a.previews.StopAll()
	a.captures.StopAll()
	if err == nil {
		a.logger.Info("停止しました")
	}
	return err
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) captureFailed(id camera.DeviceID, err error) {
	msg := camera.HumanizeError(err)
	a.logger.Error("キャプチャが異常終了しました", "device_id", id, "error", err)
	a.bus.Publish(events.TypePreviewError, events.PreviewError{DeviceID: id, Message: msg})

	a.selMu.Lock()
	if a.autoOwned == id {
		a.autoOwned = ""
	}
	a.selMu.Unlock()
}

func (a *App) previewFatal(id camera.DeviceID, message string) {
	a.metrics.PreviewStopped(id)
	a.bus.Publish(events.TypePreviewError, events.PreviewError{DeviceID: id, Message: message})
	a.notify(events.LevelError, "プレビュー", message)
}

func (a *App) settingsFailed(err error) {
	a.notify(events.LevelWarning, "設定の保存", fmt.Sprintf("設定を保存できませんでした: %v", err))
}

func (a *App) notify(level, title, message string) {
	a.bus.Publish(events.TypeNotification, events.Notification{Level: level, Title: title, Message: message})
}

// cronLogger はcronのログをslogへ流す
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
