package capture

import (
	"sync"
	"time"

	"mitsume/internal/camera"
)

// Frame はセッションが公開したフレーム
// 公開後は変更されない
type Frame struct {
	Data        []byte
	Seq         uint64
	Width       int
	Height      int
	CapturedAt  time.Time
	PublishedAt time.Time
}

// FrameSlot は最新フレームだけを保持する単一スロット
// 書き込み側は読み取り側を待たない
type FrameSlot struct {
	mu    sync.RWMutex
	frame *Frame
	seq   uint64
}

// Publish はフレームを最新として公開する
func (s *FrameSlot) Publish(f camera.Frame, now time.Time) Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	published := &Frame{
		Data:        f.Data,
		Seq:         s.seq,
		Width:       f.Width,
		Height:      f.Height,
		CapturedAt:  f.CapturedAt,
		PublishedAt: now,
	}
	s.frame = published
	return *published
}

// Latest は最新フレームを返す
func (s *FrameSlot) Latest() (Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.frame == nil {
		return Frame{}, false
	}
	return *s.frame, true
}
