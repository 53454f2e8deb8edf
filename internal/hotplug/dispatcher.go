package hotplug

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mitsume/internal/camera"
	"mitsume/internal/events"
	"mitsume/internal/state"
)

// Source はホットプラグ通知の発生源 (通常は camera.Router)
type Source interface {
	WatchHotplug(ctx context.Context, fn camera.HotplugFunc) error
}

// StateSink はデバイス一覧の変更を受け付ける (通常は state.Store)
type StateSink interface {
	Dispatch(ctx context.Context, intent state.Intent) (state.Snapshot, error)
}

// Restorer は再接続したデバイスへ保存済み設定を適用する
// 保存済みの記録がない場合は found=false を返す
type Restorer interface {
	RestoreSettings(ctx context.Context, device camera.DeviceDescriptor) (restored events.SettingsRestored, found bool, err error)
}

// SessionStopper は切断されたデバイスのキャプチャを止める
type SessionStopper interface {
	Stop(id camera.DeviceID) error
}

// queueSize はバックエンドのコールバックと処理ゴルーチンの間のバッファ
const queueSize = 64

// Dispatcher はバックエンドの接続/切断通知を1本の順序付きストリームにまとめ、
// 状態コンテナへ反映する
type Dispatcher struct {
	source    Source
	sink      StateSink
	restorer  Restorer
	sessions  SessionStopper
	publisher events.Publisher
	logger    *slog.Logger

	queue chan camera.HotplugEvent

	mu          sync.Mutex
	started     bool
	done        chan struct{}
	watchers    map[uint64]*watcher
	nextWatcher uint64
}

// NewDispatcher は新しいDispatcherを作成する
// restorer, sessions, publisher は nil でもよい
func NewDispatcher(source Source, sink StateSink, restorer Restorer, sessions SessionStopper, publisher events.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		source:    source,
		sink:      sink,
		restorer:  restorer,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger.With("component", "hotplug"),
		queue:     make(chan camera.HotplugEvent, queueSize),
		done:      make(chan struct{}),
		watchers:  make(map[uint64]*watcher),
	}
}

// Start は監視と処理ゴルーチンを開始する。2回目以降の呼び出しは何もしない
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	go d.loop(ctx)

	if d.source == nil {
		return nil
	}
	if err := d.source.WatchHotplug(ctx, d.enqueue); err != nil {
		return err
	}
	return nil
}

// Done は処理ゴルーチンが終了するとクローズされる
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Inject はイベントを外部から投入する (周期的な再照合など)
func (d *Dispatcher) Inject(ev camera.HotplugEvent) {
	d.enqueue(ev)
}

// enqueue はバックエンドのコールバックから呼ばれる
// バックエンド側の順序を保つため、キューが満杯なら空くまで待つ
func (d *Dispatcher) enqueue(ev camera.HotplugEvent) {
	select {
	case d.queue <- ev:
	case <-d.done:
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.handle(ctx, ev)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev camera.HotplugEvent) {
	switch ev.Kind {
	case camera.HotplugConnected:
		d.connected(ctx, ev)
	case camera.HotplugDisconnected:
		d.disconnected(ctx, ev)
	default:
		d.logger.Warn("未知のホットプラグイベントを無視しました", "kind", ev.Kind, "device_id", ev.DeviceID())
	}
}

func (d *Dispatcher) connected(ctx context.Context, ev camera.HotplugEvent) {
	d.logger.Info("デバイスが接続されました", "device_id", ev.DeviceID(), "name", ev.Device.Name)

	if _, err := d.sink.Dispatch(ctx, state.Connect{Device: ev.Device}); err != nil {
		d.logger.Error("デバイス一覧への追加に失敗しました", "device_id", ev.DeviceID(), "error", err)
		return
	}
	d.notifyWatchers(ev)
	d.publish(events.TypeDeviceHotplug, ev)

	if d.restorer == nil {
		return
	}
	restored, found, err := d.restorer.RestoreSettings(ctx, ev.Device)
	if err != nil {
		d.logger.Warn("保存済み設定の適用に失敗しました", "device_id", ev.DeviceID(), "error", err)
	}
	if !found {
		return
	}
	d.logger.Info("保存済み設定を適用しました", "device_id", ev.DeviceID(), "controls", restored.ControlsApplied)
	d.publish(events.TypeSettingsRestored, restored)
}

func (d *Dispatcher) disconnected(ctx context.Context, ev camera.HotplugEvent) {
	d.logger.Info("デバイスが切断されました", "device_id", ev.DeviceID())

	if d.sessions != nil {
		if err := d.sessions.Stop(ev.DeviceID()); err != nil {
			d.logger.Warn("キャプチャの停止に失敗しました", "device_id", ev.DeviceID(), "error", err)
		}
	}

	if _, err := d.sink.Dispatch(ctx, state.Disconnect{ID: ev.DeviceID()}); err != nil {
		if errors.Is(err, state.ErrStoreStopped) {
			return
		}
		d.logger.Error("デバイス一覧からの削除に失敗しました", "device_id", ev.DeviceID(), "error", err)
		return
	}
	d.notifyWatchers(ev)
	d.publish(events.TypeDeviceHotplug, ev)
}

func (d *Dispatcher) publish(t events.Type, payload any) {
	if d.publisher != nil {
		d.publisher.Publish(t, payload)
	}
}
