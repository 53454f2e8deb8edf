package camera

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// BackendErrorFunc はバックエンド単位の失敗を観測するフック
type BackendErrorFunc func(kind Kind, op string, err error)

// Router は複数のバックエンドを一つのデバイス一覧にまとめ、
// デバイス単位の操作を所有バックエンドへ振り分ける
type Router struct {
	backends    []Backend
	logger      *slog.Logger
	callTimeout time.Duration

	mu      sync.RWMutex
	onError BackendErrorFunc
}

// NewRouter は新しいRouterを作成する
func NewRouter(logger *slog.Logger, backends ...Backend) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		backends:    backends,
		logger:      logger.With("component", "router"),
		callTimeout: 5 * time.Second,
	}
	r.warnOverlaps()
	return r
}

// SetCallTimeout は列挙時のバックエンドごとのタイムアウトを設定する
func (r *Router) SetCallTimeout(d time.Duration) {
	if d > 0 {
		r.callTimeout = d
	}
}

// OnBackendError はバックエンド失敗時のフックを登録する
func (r *Router) OnBackendError(fn BackendErrorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Backends は登録済みバックエンドを返す
func (r *Router) Backends() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Enumerate は全バックエンドを問い合わせて結果を連結する
// 失敗したバックエンドはログに記録して除外し、全体としては失敗しない
func (r *Router) Enumerate(ctx context.Context) []DeviceDescriptor {
	results := make([][]DeviceDescriptor, len(r.backends))

	var wg sync.WaitGroup
	for i, b := range r.backends {
		wg.Add(1)
		go func(i int, b Backend) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			devices, err := b.Enumerate(callCtx)
			if err != nil {
				r.backendFailed(b.Kind(), "enumerate", err)
				return
			}
			results[i] = devices
		}(i, b)
	}
	wg.Wait()

	var all []DeviceDescriptor
	for _, devices := range results {
		all = append(all, devices...)
	}
	return all
}

// Owner はIDを所有するバックエンドを解決する
func (r *Router) Owner(id DeviceID) (Backend, error) {
	var (
		best      Backend
		bestLen   int
		ambiguous bool
	)
	for _, b := range r.backends {
		n := b.Claim(id)
		switch {
		case n == 0:
		case n > bestLen:
			best, bestLen, ambiguous = b, n, false
		case n == bestLen:
			ambiguous = true
		}
	}

	if best == nil {
		return nil, deviceNotFound(id)
	}
	if ambiguous {
		return nil, fmt.Errorf("%w: %s", ErrAmbiguousOwner, id)
	}
	return best, nil
}

// Controls は所有バックエンドのコントロール一覧を返す
func (r *Router) Controls(ctx context.Context, id DeviceID) ([]ControlDescriptor, error) {
	b, err := r.Owner(id)
	if err != nil {
		return nil, err
	}
	return b.Controls(ctx, id)
}

// ReadControl は所有バックエンドから値を読み取る
func (r *Router) ReadControl(ctx context.Context, id DeviceID, controlID string) (int32, error) {
	b, err := r.Owner(id)
	if err != nil {
		return 0, err
	}
	return b.ReadControl(ctx, id, controlID)
}

// WriteControl は所有バックエンドへ値を書き込む
func (r *Router) WriteControl(ctx context.Context, id DeviceID, controlID string, value int32) error {
	b, err := r.Owner(id)
	if err != nil {
		return err
	}
	return b.WriteControl(ctx, id, controlID, value)
}

// Formats は所有バックエンドのフォーマット一覧を返す
func (r *Router) Formats(ctx context.Context, id DeviceID) ([]FormatDescriptor, error) {
	b, err := r.Owner(id)
	if err != nil {
		return nil, err
	}
	return b.Formats(ctx, id)
}

// StartCapture は所有バックエンドでキャプチャを開始する
func (r *Router) StartCapture(ctx context.Context, id DeviceID, format FormatDescriptor) (Stream, error) {
	b, err := r.Owner(id)
	if err != nil {
		return nil, err
	}
	return b.StartCapture(ctx, id, format)
}

// WatchHotplug は同じコールバックを全バックエンドに登録する
// 一部のバックエンドが監視を開始できなくても、他は継続する
func (r *Router) WatchHotplug(ctx context.Context, fn HotplugFunc) error {
	started := 0
	for _, b := range r.backends {
		if err := b.WatchHotplug(ctx, fn); err != nil {
			r.backendFailed(b.Kind(), "watch_hotplug", err)
			continue
		}
		started++
	}

	if started == 0 && len(r.backends) > 0 {
		return fmt.Errorf("%w: ホットプラグ監視を開始できたバックエンドがありません", ErrBackendUnavailable)
	}
	return nil
}

func (r *Router) backendFailed(kind Kind, op string, err error) {
	r.logger.Warn("バックエンドの呼び出しに失敗しました", "backend", kind, "op", op, "error", err)

	r.mu.RLock()
	fn := r.onError
	r.mu.RUnlock()
	if fn != nil {
		fn(kind, op, fmt.Errorf("%w: %v", ErrBackendUnavailable, err))
	}
}

// warnOverlaps は名前空間の接頭辞が重なるバックエンドを警告する
func (r *Router) warnOverlaps() {
	for i := range r.backends {
		for j := i + 1; j < len(r.backends); j++ {
			a, b := r.backends[i], r.backends[j]
			pa, okA := a.(interface{ Prefixes() []string })
			pb, okB := b.(interface{ Prefixes() []string })
			if !okA || !okB {
				continue
			}
			for _, x := range pa.Prefixes() {
				for _, y := range pb.Prefixes() {
					if strings.HasPrefix(x, y) || strings.HasPrefix(y, x) {
						r.logger.Warn("バックエンドの名前空間が重なっています",
							"first", a.Kind(), "second", b.Kind(), "prefix", x)
					}
				}
			}
		}
	}
}
