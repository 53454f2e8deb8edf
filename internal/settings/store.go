package settings

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mitsume/internal/camera"
)

// Options はデバウンス保存の設定
type Options struct {
	QuietPeriod time.Duration // 最後の書き込みからこの時間が経てば保存する
	MaxDelay    time.Duration // 書き込みが続いてもこの時間内に保存する
}

// DefaultOptions はデフォルト設定を返す
func DefaultOptions() Options {
	return Options{
		QuietPeriod: 500 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// ErrorFunc は保存の失敗を受け取る
type ErrorFunc func(err error)

// Store はデバイスごとのコントロール値をメモリに保持し、デバウンスして保存する
type Store struct {
	persister Persister
	opts      Options
	logger    *slog.Logger

	mu   sync.Mutex
	data File

	dirty atomic.Bool
	wake  chan struct{}

	flushes  atomic.Uint64
	failures atomic.Uint64

	errMu   sync.RWMutex
	onError ErrorFunc
}

// NewStore は新しいStoreを作成する。読み込みは Load で行う
func NewStore(persister Persister, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = def.QuietPeriod
	}
	if opts.MaxDelay < opts.QuietPeriod {
		opts.MaxDelay = opts.QuietPeriod
	}
	return &Store{
		persister: persister,
		opts:      opts,
		logger:    logger.With("component", "settings"),
		data:      File{Cameras: map[camera.DeviceID]Record{}},
		wake:      make(chan struct{}, 1),
	}
}

// OnError は保存失敗時のコールバックを登録する
func (s *Store) OnError(fn ErrorFunc) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	s.onError = fn
}

// Load は永続化先から読み込む
// ErrCorruptFile の場合も空の設定で継続できる
func (s *Store) Load() error {
	f, err := s.persister.Load()
	s.mu.Lock()
	if f.Cameras == nil {
		f.Cameras = map[camera.DeviceID]Record{}
	}
	s.data = f
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Info("保存済み設定を読み込みました", "cameras", len(f.Cameras))
	return nil
}

// SetControl はコントロール値を記録する
// 記録がなければ作成し、name が空でなければ表示名を更新する
func (s *Store) SetControl(id camera.DeviceID, controlID string, value int32, name string) {
	s.mu.Lock()
	r, ok := s.data.Cameras[id]
	if !ok {
		r = Record{Controls: map[string]int32{}}
	}
	if name != "" {
		r.DisplayName = name
	}
	r.Controls[controlID] = value
	s.data.Cameras[id] = r
	s.mu.Unlock()

	s.markDirty()
}

// RemoveControl は1つのコントロール値を記録から外す
func (s *Store) RemoveControl(id camera.DeviceID, controlID string) {
	s.mu.Lock()
	r, ok := s.data.Cameras[id]
	if ok {
		if _, has := r.Controls[controlID]; has {
			delete(r.Controls, controlID)
		} else {
			ok = false
		}
	}
	s.mu.Unlock()

	if ok {
		s.markDirty()
	}
}

// Get は保存済み設定を返す
func (s *Store) Get(id camera.DeviceID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data.Cameras[id]
	if !ok {
		return Record{}, false
	}
	return r.clone(), true
}

// ResetAll は記録済みの値を消してデフォルト値の一覧を返す
// 記録そのものと表示名は残す
func (s *Store) ResetAll(id camera.DeviceID, defaults map[string]int32) []ResetResult {
	results := make([]ResetResult, 0, len(defaults))
	for controlID, v := range defaults {
		results = append(results, ResetResult{ControlID: controlID, Value: v})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ControlID < results[j].ControlID })

	s.mu.Lock()
	r, ok := s.data.Cameras[id]
	changed := ok && len(r.Controls) > 0
	if ok {
		r.Controls = map[string]int32{}
		s.data.Cameras[id] = r
	}
	s.mu.Unlock()

	if changed {
		s.markDirty()
	}
	return results
}

// Stats は保存回数と失敗回数を返す
func (s *Store) Stats() (flushes, failures uint64) {
	return s.flushes.Load(), s.failures.Load()
}

// markDirty はフラグを同期的に立ててからデバウンス待ちを起こす
func (s *Store) markDirty() {
	s.dirty.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run は ctx が終わるまでデバウンス保存を行い、終了時に最後の保存をする
func (s *Store) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-s.wake:
		}

		if !s.settle(ctx) {
			s.flush()
			return
		}
		// 保存中の書き込みは次のサイクルで拾う
		// 失敗した場合は次の書き込みまで再試行しない
		if s.flush() && s.dirty.Load() {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
	}
}

// settle は静止期間か最大遅延まで待つ。ctx が終わった場合は false を返す
func (s *Store) settle(ctx context.Context) bool {
	deadline := time.Now().Add(s.opts.MaxDelay)
	timer := time.NewTimer(s.opts.QuietPeriod)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-s.wake:
			wait := s.opts.QuietPeriod
			if remain := time.Until(deadline); remain < wait {
				wait = remain
			}
			if wait <= 0 {
				return true
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
		}
	}
}

// flush は未保存の変更があれば保存する。保存に失敗した場合は false を返す
func (s *Store) flush() bool {
	if !s.dirty.Swap(false) {
		return true
	}

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := s.persister.Save(snapshot); err != nil {
		s.failures.Add(1)
		s.dirty.Store(true)
		s.logger.Warn("設定の保存に失敗しました", "error", err)

		s.errMu.RLock()
		fn := s.onError
		s.errMu.RUnlock()
		if fn != nil {
			fn(err)
		}
		return false
	}
	s.flushes.Add(1)
	s.logger.Debug("設定を保存しました", "cameras", len(snapshot.Cameras))
	return true
}
