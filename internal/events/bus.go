package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mitsume/internal/camera"
)

// Type はイベントの種類
type Type string

// Type の定数定義
const (
	TypeDeviceHotplug    Type = "device-hotplug"
	TypePreviewError     Type = "preview-error"
	TypeSettingsRestored Type = "settings-restored"
	TypeNotification     Type = "notification"
)

// Event は購読者へ配信されるイベント
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// PreviewError はプレビュー停止の通知
type PreviewError struct {
	DeviceID camera.DeviceID `json:"deviceId"`
	Message  string          `json:"message"`
}

// SettingsRestored は保存済み設定の再適用結果
type SettingsRestored struct {
	DeviceID        camera.DeviceID `json:"deviceId"`
	DisplayName     string          `json:"displayName"`
	ControlsApplied int             `json:"controlsApplied"`
}

// 通知のレベル
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification はユーザー向けの通知
type Notification struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Publisher はイベントを発行できるもの
type Publisher interface {
	Publish(t Type, payload any) Event
}

// Sink はバスの外へイベントを転送する先
type Sink interface {
	Send(ev Event) error
}

// Bus はイベントを購読者へ配る
// 受信が追いつかない購読者の分は破棄し、発行側を待たせない
type Bus struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
}

// NewBus は新しいBusを作成する
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "events"),
		now:    time.Now,
		subs:   make(map[uint64]chan Event),
	}
}

// NewEvent は識別子と時刻を付けたイベントを作る
func NewEvent(t Type, payload any, at time.Time) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    t,
		At:      at,
		Payload: payload,
	}
}

// Publish はイベントを全購読者へ送る
func (b *Bus) Publish(t Type, payload any) Event {
	ev := NewEvent(t, payload, b.now())

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("購読者の受信が追いつかないためイベントを破棄しました", "subscriber", id, "type", t)
		}
	}
	return ev
}

// Subscribe は購読を開始する。返り値の関数で購読を終了する
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped は破棄したイベント数を返す
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Forward は ctx が終わるまでイベントを sink へ転送する
func (b *Bus) Forward(ctx context.Context, sink Sink) {
	ch, cancel := b.Subscribe(64)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sink.Send(ev); err != nil {
				b.logger.Warn("イベントの転送に失敗しました", "type", ev.Type, "error", err)
			}
		}
	}
}
