package camera

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind はバックエンドの種別
type Kind string

// Kind の定数定義
const (
	KindUVC       Kind = "uvc"       // UVC/V4L2 ウェブカメラ
	KindTethered  Kind = "tethered"  // SDK経由のテザー接続カメラ
	KindSynthetic Kind = "synthetic" // テスト用の合成カメラ
)

// Backend はデバイスファミリーごとの実装が満たすインターフェース
//
// 実装はこのパッケージ内の UVCBackend / CanonBackend / DummyBackend に限られる。
// 自分のファミリー以外のIDには ErrDeviceNotFound を返す。
type Backend interface {
	// Kind はバックエンドの種別を返す
	Kind() Kind
	// Claim はIDが自分の名前空間に属する場合に一致した接頭辞の長さを返す (0は非所有)
	Claim(id DeviceID) int
	// Enumerate は現在接続されているデバイスを列挙する
	Enumerate(ctx context.Context) ([]DeviceDescriptor, error)
	// Controls はデバイスのコントロール一覧を返す
	Controls(ctx context.Context, id DeviceID) ([]ControlDescriptor, error)
	// ReadControl はコントロールの現在値を読み取る
	ReadControl(ctx context.Context, id DeviceID, controlID string) (int32, error)
	// WriteControl はコントロールに値を書き込む
	WriteControl(ctx context.Context, id DeviceID, controlID string, value int32) error
	// Formats は対応キャプチャフォーマットを返す
	Formats(ctx context.Context, id DeviceID) ([]FormatDescriptor, error)
	// StartCapture はフレームストリームを開始する。ctx のキャンセルでストリームも終了する
	StartCapture(ctx context.Context, id DeviceID, format FormatDescriptor) (Stream, error)
	// WatchHotplug は ctx が終わるまで接続/切断を fn に通知する
	WatchHotplug(ctx context.Context, fn HotplugFunc) error

	sealed()
}

// Stream はバックエンドが生成するフレームの流れ
type Stream interface {
	// Frames はフレームチャンネルを返す。ストリーム終了時にクローズされる
	Frames() <-chan Frame
	// Err はストリームが異常終了した場合のエラーを返す
	Err() error
	// Dropped は受け手が追いつかずに破棄したフレーム数を返す
	Dropped() uint64
	// Close はストリームを停止し、生成側の終了を待つ
	Close() error
}

// ErrStreamStopTimeout はストリームの停止待ちがタイムアウトしたことを表す
var ErrStreamStopTimeout = errors.New("ストリームの停止がタイムアウトしました")

// frameStream はバックエンド共通の Stream 実装
// 生成側は push で送り、終了時に finish を一度だけ呼ぶ
type frameStream struct {
	frames      chan Frame
	cancel      context.CancelFunc
	done        chan struct{}
	stopTimeout time.Duration

	mu      sync.Mutex
	err     error
	dropped atomic.Uint64
	once    sync.Once
}

func newFrameStream(parent context.Context, buffer int) (*frameStream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	if buffer < 1 {
		buffer = 1
	}
	return &frameStream{
		frames:      make(chan Frame, buffer),
		cancel:      cancel,
		done:        make(chan struct{}),
		stopTimeout: time.Second,
	}, ctx
}

// push はフレームを送る。満杯の場合は最も古いフレームを捨てる
func (s *frameStream) push(f Frame) {
	select {
	case s.frames <- f:
		return
	default:
	}

	select {
	case <-s.frames:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.frames <- f:
	default:
		s.dropped.Add(1)
	}
}

func (s *frameStream) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.frames)
		close(s.done)
	})
}

func (s *frameStream) Frames() <-chan Frame {
	return s.frames
}

func (s *frameStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *frameStream) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *frameStream) Close() error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-time.After(s.stopTimeout):
		return ErrStreamStopTimeout
	}
}

// claimPrefix は接頭辞が一致すればその長さを返す
func claimPrefix(id DeviceID, prefix string) int {
	if strings.HasPrefix(string(id), prefix) {
		return len(prefix)
	}
	return 0
}

// DiffDevices は前回と今回の列挙結果の差分をイベントに変換する
// 切断を先に、接続を後に並べる
func DiffDevices(prev, cur []DeviceDescriptor) []HotplugEvent {
	prevSet := make(map[DeviceID]struct{}, len(prev))
	for _, d := range prev {
		prevSet[d.ID] = struct{}{}
	}
	curSet := make(map[DeviceID]struct{}, len(cur))
	for _, d := range cur {
		curSet[d.ID] = struct{}{}
	}

	var events []HotplugEvent
	for _, d := range prev {
		if _, ok := curSet[d.ID]; !ok {
			events = append(events, Disconnected(d.ID))
		}
	}
	for _, d := range cur {
		if _, ok := prevSet[d.ID]; !ok {
			events = append(events, Connected(d))
		}
	}
	return events
}
