package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"mitsume/internal/camera"
)

// ErrStoreStopped は Run が終了したストアへの要求を表す
var ErrStoreStopped = errors.New("状態ストアは停止しています")

// Snapshot はデバイス一覧と選択状態
type Snapshot struct {
	Devices  []camera.DeviceDescriptor `json:"devices"`
	Selected camera.DeviceID           `json:"selected,omitempty"`
	Version  uint64                    `json:"version"`
}

// Index はデバイスの位置を返す。なければ -1
func (s Snapshot) Index(id camera.DeviceID) int {
	for i, d := range s.Devices {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// Device はIDに一致するデバイスを返す
func (s Snapshot) Device(id camera.DeviceID) (camera.DeviceDescriptor, bool) {
	if i := s.Index(id); i >= 0 {
		return s.Devices[i], true
	}
	return camera.DeviceDescriptor{}, false
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Devices = append([]camera.DeviceDescriptor(nil), s.Devices...)
	return out
}

// Change は適用された変更
type Change struct {
	Prev   Snapshot
	Next   Snapshot
	Intent Intent
}

// SelectionChanged は選択が変わったかを返す
func (c Change) SelectionChanged() bool {
	return c.Prev.Selected != c.Next.Selected
}

// Listener は変更の通知を受け取る
// ストアのゴルーチンから呼ばれるため、Dispatch を同期的に呼んではならない
type Listener func(Change)

type request struct {
	intent Intent
	reply  chan result
}

type result struct {
	snap Snapshot
	err  error
}

// Store はデバイス一覧と選択状態を一か所で所有する
// 変更は全て Dispatch の Intent として単一のチャンネルを通る
type Store struct {
	requests chan request
	logger   *slog.Logger
	stopped  chan struct{}

	mu        sync.RWMutex
	current   Snapshot
	listeners []Listener
}

// NewStore は新しいStoreを作成する
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		requests: make(chan request),
		logger:   logger.With("component", "state"),
		stopped:  make(chan struct{}),
	}
}

// Subscribe は変更の通知先を登録する
func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Snapshot は現在の状態を返す
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Run は ctx が終わるまで Intent を順に適用する
func (s *Store) Run(ctx context.Context) {
	defer close(s.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.requests:
			req.reply <- s.apply(req.intent)
		}
	}
}

func (s *Store) apply(intent Intent) result {
	s.mu.RLock()
	prev := s.current.clone()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()

	next, err := intent.apply(prev)
	if err != nil {
		return result{snap: prev, err: err}
	}
	if sameState(prev, next) {
		return result{snap: prev}
	}
	next.Version = prev.Version + 1

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()

	s.logger.Debug("状態を更新しました", "intent", intentName(intent),
		"devices", len(next.Devices), "selected", next.Selected)

	change := Change{Prev: prev, Next: next.clone(), Intent: intent}
	for _, l := range listeners {
		l(change)
	}
	return result{snap: next.clone()}
}

// Dispatch は Intent を送り、適用後の状態を返す
func (s *Store) Dispatch(ctx context.Context, intent Intent) (Snapshot, error) {
	req := request{intent: intent, reply: make(chan result, 1)}

	select {
	case s.requests <- req:
	case <-s.stopped:
		return Snapshot{}, ErrStoreStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.snap, res.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func sameState(a, b Snapshot) bool {
	if a.Selected != b.Selected || len(a.Devices) != len(b.Devices) {
		return false
	}
	for i := range a.Devices {
		if a.Devices[i] != b.Devices[i] {
			return false
		}
	}
	return true
}

func intentName(i Intent) string {
	switch i.(type) {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Replace:
		return "replace"
	case Select:
		return "select"
	}
	return "unknown"
}
