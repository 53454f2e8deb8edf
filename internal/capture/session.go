package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mitsume/internal/camera"
)

// State はキャプチャセッションの状態
type State string

// State の定数定義
const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Starter はフレームストリームを開始できるもの (camera.Router)
type Starter interface {
	StartCapture(ctx context.Context, id camera.DeviceID, format camera.FormatDescriptor) (camera.Stream, error)
}

// Options はセッションの設定
type Options struct {
	StartTimeout      time.Duration // 最初のフレームを待つ時間
	StopTimeout       time.Duration // 停止時にストリームの解放とゴルーチンの終了を待つ時間
	ThumbnailInterval time.Duration // サムネイルの更新間隔
	ThumbnailWidth    int
	ThumbnailHeight   int
	ThumbnailQuality  int
}

// DefaultOptions は既定の設定を返す
func DefaultOptions() Options {
	return Options{
		StartTimeout:      5 * time.Second,
		StopTimeout:       time.Second,
		ThumbnailInterval: 500 * time.Millisecond,
		ThumbnailWidth:    160,
		ThumbnailHeight:   120,
		ThumbnailQuality:  70,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.StartTimeout <= 0 {
		o.StartTimeout = d.StartTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.ThumbnailInterval <= 0 {
		o.ThumbnailInterval = d.ThumbnailInterval
	}
	if o.ThumbnailWidth <= 0 || o.ThumbnailHeight <= 0 {
		o.ThumbnailWidth, o.ThumbnailHeight = d.ThumbnailWidth, d.ThumbnailHeight
	}
	if o.ThumbnailQuality <= 0 || o.ThumbnailQuality > 100 {
		o.ThumbnailQuality = d.ThumbnailQuality
	}
	return o
}

// FailureFunc はセッションが異常終了したときに呼ばれる
type FailureFunc func(s *Session, err error)

// Diagnostics はセッションの診断情報
type Diagnostics struct {
	DeviceID      camera.DeviceID         `json:"deviceId"`
	SessionID     string                  `json:"sessionId"`
	State         State                   `json:"state"`
	Format        camera.FormatDescriptor `json:"format"`
	FPS           float64                 `json:"fps"`
	FramesTotal   uint64                  `json:"framesTotal"`
	FramesDropped uint64                  `json:"framesDropped"`
	DropRate      float64                 `json:"dropRate"`
	LatencyMs     float64                 `json:"latencyMs"`
	BandwidthBps  float64                 `json:"bandwidthBps"`
	UptimeMs      int64                   `json:"uptimeMs"`
	Error         string                  `json:"error,omitempty"`
}

// Session は1台のデバイスのキャプチャを管理する
//
// ストリームから受け取ったフレームを単一スロットに上書きし、
// 別のゴルーチンで低頻度のサムネイルを作る。
type Session struct {
	id       string
	deviceID camera.DeviceID
	format   camera.FormatDescriptor
	starter  Starter
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	slot  FrameSlot
	stats *Stats

	mu        sync.RWMutex
	state     State
	err       error
	stream    camera.Stream
	cancel    context.CancelFunc
	done      chan struct{}
	thumbDone chan struct{}
	thumb     []byte
	onFailure FailureFunc
}

// NewSession は新しいSessionを作成する
func NewSession(deviceID camera.DeviceID, format camera.FormatDescriptor, starter Starter, opts Options, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Session{
		id:       id,
		deviceID: deviceID,
		format:   format,
		starter:  starter,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "capture", "device", deviceID, "session", id),
		now:      time.Now,
		state:    StateIdle,
	}
}

// OnFailure は異常終了時のコールバックを登録する
func (s *Session) OnFailure(fn FailureFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailure = fn
}

// ID はセッションIDを返す
func (s *Session) ID() string { return s.id }

// DeviceID は対象デバイスのIDを返す
func (s *Session) DeviceID() camera.DeviceID { return s.deviceID }

// Format はキャプチャフォーマットを返す
func (s *Session) Format() camera.FormatDescriptor { return s.format }

// State は現在の状態を返す
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err は異常終了の原因を返す
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Start はストリームを開き、フレームの受信を開始する
// ストリームの寿命は ctx ではなく Stop で管理する
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("セッションは既に %s です", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.setFailed(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream, err := s.starter.StartCapture(runCtx, s.deviceID, s.format)
	if err != nil {
		cancel()
		s.setFailed(err)
		return fmt.Errorf("キャプチャの開始に失敗: %w", err)
	}

	s.mu.Lock()
	if s.state != StateStarting {
		// 開始中に Stop された
		s.mu.Unlock()
		cancel()
		_ = stream.Close()
		return fmt.Errorf("%w: 開始中に停止されました", camera.ErrCaptureUnavailable)
	}
	s.stream = stream
	s.cancel = cancel
	s.done = make(chan struct{})
	s.thumbDone = make(chan struct{})
	s.stats = NewStats(s.now)
	done, thumbDone := s.done, s.thumbDone
	s.mu.Unlock()

	go s.pump(runCtx, stream, done)
	go s.thumbnails(runCtx, thumbDone)

	s.logger.Info("キャプチャセッションを開始しました",
		"width", s.format.Width, "height", s.format.Height, "fps", s.format.FPS)
	return nil
}

func (s *Session) pump(ctx context.Context, stream camera.Stream, done chan struct{}) {
	defer close(done)

	watchdog := time.NewTimer(s.opts.StartTimeout)
	defer watchdog.Stop()
	timeout := watchdog.C

	frames := stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return

		case <-timeout:
			s.fail(fmt.Errorf("%w (%s以内に最初のフレームがありません)", ErrStartTimeout, s.opts.StartTimeout))
			return

		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				err := stream.Err()
				if err == nil {
					err = errors.New("ストリームが終了しました")
				}
				s.fail(fmt.Errorf("%w: %v", camera.ErrCaptureUnavailable, err))
				return
			}

			published := s.slot.Publish(f, s.now())
			s.stats.Record(len(f.Data), f.CapturedAt, published.PublishedAt)
			s.stats.SetDropped(stream.Dropped())

			if timeout != nil {
				watchdog.Stop()
				timeout = nil
				s.transition(StateStarting, StateRunning)
			}
		}
	}
}

func (s *Session) thumbnails(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.opts.ThumbnailInterval)
	defer ticker.Stop()

	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		f, ok := s.slot.Latest()
		if !ok || f.Seq == lastSeq {
			continue
		}
		lastSeq = f.Seq

		thumb, err := MakeThumbnail(f.Data, s.opts.ThumbnailWidth, s.opts.ThumbnailHeight, s.opts.ThumbnailQuality)
		if err != nil {
			s.logger.Debug("サムネイルの作成に失敗しました", "error", err)
			continue
		}
		s.mu.Lock()
		s.thumb = thumb
		s.mu.Unlock()
	}
}

func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

func (s *Session) setFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFailed
	s.err = err
}

// fail は starting/running から failed へ遷移し、ストリームを解放する
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state != StateStarting && s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = err
	cancel, stream, fn := s.cancel, s.stream, s.onFailure
	s.mu.Unlock()

	s.logger.Error("キャプチャセッションが異常終了しました", "error", err)

	cancel()
	if err := stream.Close(); err != nil {
		s.logger.Warn("ストリームの解放に失敗しました", "error", err)
	}
	if fn != nil {
		fn(s, err)
	}
}

// Stop はストリームを解放し、ゴルーチンの終了を待つ
// 何度呼んでもよい
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateStarting, StateRunning:
	default:
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cancel, stream, done, thumbDone := s.cancel, s.stream, s.done, s.thumbDone
	s.mu.Unlock()

	// ストリームの解放とゴルーチンの終了で1つの期限を共有する
	deadline := time.NewTimer(s.opts.StopTimeout)
	defer deadline.Stop()

	if cancel != nil {
		cancel()
	}

	var errs []error
	closeErr := make(chan error, 1)
	if stream != nil {
		go func() { closeErr <- stream.Close() }()
	} else {
		closeErr <- nil
	}

	timedOut := false
	select {
	case err := <-closeErr:
		if err != nil {
			errs = append(errs, err)
		}
	case <-deadline.C:
		timedOut = true
	}

	for _, ch := range []chan struct{}{done, thumbDone} {
		if ch == nil || timedOut {
			continue
		}
		select {
		case <-ch:
		case <-deadline.C:
			timedOut = true
		}
	}
	if timedOut {
		errs = append(errs, ErrStopTimeout)
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.logger.Info("キャプチャセッションを停止しました")
	return errors.Join(errs...)
}

// Frame は最新フレームを返す
func (s *Session) Frame() (Frame, error) {
	f, ok := s.slot.Latest()
	if !ok {
		return Frame{}, ErrNoFrame
	}
	return f, nil
}

// Thumbnail は最新のサムネイルを返す
func (s *Session) Thumbnail() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.thumb == nil {
		return nil, ErrNoFrame
	}
	return s.thumb, nil
}

// Diagnostics は診断情報を返す
func (s *Session) Diagnostics() Diagnostics {
	s.mu.RLock()
	state, err, stats := s.state, s.err, s.stats
	s.mu.RUnlock()

	d := Diagnostics{
		DeviceID:  s.deviceID,
		SessionID: s.id,
		State:     state,
		Format:    s.format,
	}
	if err != nil {
		d.Error = camera.HumanizeError(err)
	}
	if stats == nil {
		return d
	}

	snap := stats.Snapshot()
	d.FPS = snap.FPS
	d.FramesTotal = snap.FramesTotal
	d.FramesDropped = snap.FramesDropped
	d.DropRate = snap.DropRate
	d.LatencyMs = snap.LatencyMs
	d.BandwidthBps = snap.BandwidthBps
	d.UptimeMs = snap.Uptime.Milliseconds()
	return d
}
