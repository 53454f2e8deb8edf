package capture

import (
	"sync"
	"time"
)

// latencyAlpha は遅延の指数移動平均の係数
const latencyAlpha = 0.2

// Stats はセッションの計測値を集計する
type Stats struct {
	mu  sync.Mutex
	now func() time.Time

	startedAt time.Time

	windowStart  time.Time
	windowFrames int
	windowBytes  int
	fps          float64
	bandwidth    float64

	total     uint64
	dropped   uint64
	latencyMs float64
	measured  bool
}

// StatsSnapshot は集計値のスナップショット
type StatsSnapshot struct {
	FPS           float64
	FramesTotal   uint64
	FramesDropped uint64
	DropRate      float64 // 百分率
	LatencyMs     float64
	BandwidthBps  float64
	Uptime        time.Duration
}

// NewStats は新しいStatsを作成する
func NewStats(now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Stats{now: now, startedAt: t, windowStart: t}
}

// Record はフレーム1枚の公開を記録する
func (s *Stats) Record(size int, capturedAt, publishedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.windowFrames++
	s.windowBytes += size

	if !capturedAt.IsZero() {
		latency := float64(publishedAt.Sub(capturedAt)) / float64(time.Millisecond)
		if latency < 0 {
			latency = 0
		}
		if s.measured {
			s.latencyMs = latencyAlpha*latency + (1-latencyAlpha)*s.latencyMs
		} else {
			s.latencyMs, s.measured = latency, true
		}
	}

	s.rollWindow(s.now())
}

// SetDropped はストリームが報告した破棄フレーム数を反映する
func (s *Stats) SetDropped(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = n
}

// rollWindow は1秒経過していればfpsと帯域を確定する
func (s *Stats) rollWindow(now time.Time) {
	elapsed := now.Sub(s.windowStart)
	if elapsed < time.Second {
		return
	}
	secs := elapsed.Seconds()
	s.fps = float64(s.windowFrames) / secs
	s.bandwidth = float64(s.windowBytes) / secs
	s.windowStart = now
	s.windowFrames = 0
	s.windowBytes = 0
}

// Snapshot は現在の集計値を返す
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// フレームが止まった場合も古いfpsを出し続けないようにする
	if now.Sub(s.windowStart) >= 2*time.Second {
		s.rollWindow(now)
	}

	var rate float64
	if attempted := s.total + s.dropped; attempted > 0 {
		rate = float64(s.dropped) / float64(attempted) * 100
	}
	return StatsSnapshot{
		FPS:           s.fps,
		FramesTotal:   s.total,
		FramesDropped: s.dropped,
		DropRate:      rate,
		LatencyMs:     s.latencyMs,
		BandwidthBps:  s.bandwidth,
		Uptime:        now.Sub(s.startedAt),
	}
}
