package app

import (
	"context"
	"fmt"
	"time"

	"mitsume/internal/camera"
)

// reconcileTimeout は1回の再照合にかける時間の上限
const reconcileTimeout = 10 * time.Second

// scheduleJobs は定期ジョブを登録する
func (a *App) scheduleJobs(ctx context.Context) error {
	if a.opts.ReconcileSpec != "" {
		if _, err := a.cron.AddFunc(a.opts.ReconcileSpec, func() { a.Reconcile(ctx) }); err != nil {
			return fmt.Errorf("再照合ジョブの登録に失敗: %w", err)
		}
	}
	if a.opts.MetricsSpec != "" {
		if _, err := a.cron.AddFunc(a.opts.MetricsSpec, a.refreshMetrics); err != nil {
			return fmt.Errorf("メトリクスジョブの登録に失敗: %w", err)
		}
	}
	return nil
}

// Reconcile はバックエンドを列挙し直し、ホットプラグ通知を取りこぼした差分を補う
// 列挙中にバックエンドが失敗した場合は、そのデバイスを切断扱いにしないよう何もしない
func (a *App) Reconcile(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()

	before := a.backendErrors.Load()
	devices := a.router.Enumerate(ctx)
	if a.backendErrors.Load() != before {
		a.logger.Debug("列挙に失敗したバックエンドがあるため再照合を見送りました")
		return
	}

	for _, ev := range camera.DiffDevices(a.store.Snapshot().Devices, devices) {
		a.logger.Info("再照合で差分を検出しました", "kind", ev.Kind, "device_id", ev.DeviceID())
		a.dispatcher.Inject(ev)
	}
}

func (a *App) refreshMetrics() {
	a.metrics.ObserveSessions(a.captures.Snapshots())
	a.metrics.SetDevices(len(a.store.Snapshot().Devices))
	a.metrics.SetSettingsStats(a.settings.Stats())
	a.metrics.SetEventsDropped(a.bus.Dropped())
}
