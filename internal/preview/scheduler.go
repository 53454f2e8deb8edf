package preview

import (
	"sync"
	"time"
)

// Scheduler は表示側の準備ができたときに fn を呼ぶ
// fn は RequestFrame の呼び出し中に同期的に実行してはならない
type Scheduler interface {
	RequestFrame(fn func()) (cancel func())
}

// DefaultRetryInterval は表示待ちのフレームがないときの再取得間隔
const DefaultRetryInterval = 33 * time.Millisecond

// AckScheduler は表示側からの受信確認 (Ack) を合図に次のフレームを要求する
// 送ったフレームの確認待ちでなければ retry 後に実行する
type AckScheduler struct {
	mu       sync.Mutex
	retry    time.Duration
	awaiting bool
	pending  func()
	seq      uint64
}

// NewAckScheduler は新しいAckSchedulerを作成する
func NewAckScheduler(retry time.Duration) *AckScheduler {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &AckScheduler{retry: retry}
}

// RequestFrame は確認待ちなら次の Ack まで、そうでなければ retry 後に fn を実行する
func (s *AckScheduler) RequestFrame(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if !s.awaiting {
		t := time.AfterFunc(s.retry, fn)
		return func() { t.Stop() }
	}

	seq := s.seq
	s.pending = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.seq == seq {
			s.pending = nil
		}
	}
}

// Delivered はフレームを表示側へ送ったことを記録する
// 以降の要求は Ack まで保留される
func (s *AckScheduler) Delivered() {
	s.mu.Lock()
	s.awaiting = true
	s.mu.Unlock()
}

// Ack は表示側がフレームを描画したことを通知する
func (s *AckScheduler) Ack() {
	s.mu.Lock()
	fn := s.pending
	s.pending = nil
	s.awaiting = false
	s.mu.Unlock()

	if fn != nil {
		go fn()
	}
}
