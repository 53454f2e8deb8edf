package preview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mitsume/internal/camera"
)

// FatalMessage はフレームが届かずプレビューを止めたときの通知文
const FatalMessage = "プレビューを停止しました: カメラからフレームが届きません"

// Fetcher はデバイスの最新フレームを取得する
type Fetcher func(ctx context.Context, id camera.DeviceID) ([]byte, error)

// Presenter はデコード済みのフレームを表示先へ渡す
type Presenter func(h Handle) error

// FatalFunc は失敗が上限に達してループを止めたときに一度だけ呼ばれる
type FatalFunc func(id camera.DeviceID, message string)

// Options はブリッジの設定
type Options struct {
	GracePeriod   time.Duration // 開始直後に失敗を数えない期間
	FailureBudget int           // 連続失敗の上限
	FetchTimeout  time.Duration // 1回の取得のタイムアウト
}

// DefaultOptions は既定の設定を返す
func DefaultOptions() Options {
	return Options{
		GracePeriod:   5 * time.Second,
		FailureBudget: 150,
		FetchTimeout:  time.Second,
	}
}

// Bridge はキャプチャセッションのフレームを表示側へ送るループ
//
// 次の取得は固定タイマーではなく Scheduler のコールバック (表示側の描画完了) で行う。
// デコード済みのハンドルはデバイスごとに最大1つだけ保持する。
type Bridge struct {
	deviceID camera.DeviceID
	fetch    Fetcher
	decoder  Decoder
	present  Presenter
	sched    Scheduler
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	gen       uint64
	active    bool
	loopID    string
	startedAt time.Time
	failures  int
	handle    Handle
	cancelReq func()
	onFatal   FatalFunc
}

// NewBridge は新しいBridgeを作成する
func NewBridge(deviceID camera.DeviceID, fetch Fetcher, decoder Decoder, present Presenter, sched Scheduler, opts Options, logger *slog.Logger) *Bridge {
	d := DefaultOptions()
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = d.GracePeriod
	}
	if opts.FailureBudget <= 0 {
		opts.FailureBudget = d.FailureBudget
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = d.FetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		deviceID: deviceID,
		fetch:    fetch,
		decoder:  decoder,
		present:  present,
		sched:    sched,
		opts:     opts,
		logger:   logger.With("component", "preview", "device", deviceID),
		now:      time.Now,
	}
}

// OnFatal は停止通知のコールバックを登録する
func (b *Bridge) OnFatal(fn FatalFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFatal = fn
}

// DeviceID は対象デバイスのIDを返す
func (b *Bridge) DeviceID() camera.DeviceID { return b.deviceID }

// Active はループが動作中かを返す
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Failures は現在の連続失敗数を返す
func (b *Bridge) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Start はループを開始する。動作中のループがあれば先に止める
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopLocked()
	b.active = true
	b.loopID = uuid.New().String()
	b.startedAt = b.now()
	b.failures = 0
	b.scheduleLocked()

	b.logger.Debug("プレビューを開始しました", "loop", b.loopID)
}

// Stop はループを止め、保持しているハンドルを解放する
// キャプチャセッションには影響しない
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
}

func (b *Bridge) stopLocked() {
	b.gen++
	b.active = false
	if b.cancelReq != nil {
		b.cancelReq()
		b.cancelReq = nil
	}
	b.releaseLocked()
}

func (b *Bridge) releaseLocked() {
	if b.handle != nil {
		b.handle.Release()
		b.handle = nil
	}
}

func (b *Bridge) scheduleLocked() {
	gen := b.gen
	b.cancelReq = b.sched.RequestFrame(func() { b.tick(gen) })
}

// tick は1フレーム分の取得・デコード・表示を行い、次を予約する
func (b *Bridge) tick(gen uint64) {
	b.mu.Lock()
	if !b.active || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.cancelReq = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FetchTimeout)
	data, err := b.fetch(ctx, b.deviceID)
	cancel()

	b.mu.Lock()
	if !b.active || gen != b.gen {
		b.mu.Unlock()
		return
	}

	if err == nil {
		// 新しいハンドルを作る前に古いものを解放する
		b.releaseLocked()
		var h Handle
		h, err = b.decoder.Decode(data)
		if err == nil {
			b.handle = h
			b.failures = 0
			if perr := b.present(h); perr != nil {
				b.logger.Info("表示先が閉じたためプレビューを停止します", "error", perr)
				b.stopLocked()
				b.mu.Unlock()
				return
			}
			b.scheduleLocked()
			b.mu.Unlock()
			return
		}
		err = fmt.Errorf("フレームのデコードに失敗: %w", err)
	}

	fatal := b.failLocked(err)
	fn := b.onFatal
	b.mu.Unlock()

	if fatal && fn != nil {
		fn(b.deviceID, FatalMessage)
	}
}

// failLocked は失敗を数え、上限に達したらループを止めて true を返す
func (b *Bridge) failLocked(err error) bool {
	if b.now().Sub(b.startedAt) >= b.opts.GracePeriod {
		b.failures++
	}

	if b.failures >= b.opts.FailureBudget {
		b.logger.Warn("フレームが届かないためプレビューを停止します",
			"loop", b.loopID, "failures", b.failures, "last_error", err)
		b.stopLocked()
		return true
	}

	b.scheduleLocked()
	return false
}
