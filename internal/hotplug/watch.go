package hotplug

import (
	"context"
	"sync"

	"mitsume/internal/camera"
)

// watcher は1つの購読者へ反映済みのイベントを順番に渡す
// 受信が遅れてもイベントは捨てずにキューへ溜める
type watcher struct {
	mu    sync.Mutex
	queue []camera.HotplugEvent
	wake  chan struct{}
	out   chan camera.HotplugEvent
}

func newWatcher() *watcher {
	return &watcher{
		wake: make(chan struct{}, 1),
		out:  make(chan camera.HotplugEvent),
	}
}

func (w *watcher) push(ev camera.HotplugEvent) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next はキューの先頭を取り出す
func (w *watcher) next() (camera.HotplugEvent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return camera.HotplugEvent{}, false
	}
	ev := w.queue[0]
	w.queue[0] = camera.HotplugEvent{}
	w.queue = w.queue[1:]
	return ev, true
}

// run は ctx が終わるか、処理ゴルーチンが止まってキューが空になるまで配送する
func (w *watcher) run(ctx context.Context, stopped <-chan struct{}) {
	defer close(w.out)
	for {
		ev, ok := w.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				if ev, ok = w.next(); !ok {
					return
				}
			case <-w.wake:
				continue
			}
		}

		select {
		case w.out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Watch は一覧へ反映した接続/切断イベントを ctx が終わるまで流す
// 受信側が遅れても取りこぼさず、発生順に届ける
func (d *Dispatcher) Watch(ctx context.Context) <-chan camera.HotplugEvent {
	w := newWatcher()

	d.mu.Lock()
	id := d.nextWatcher
	d.nextWatcher++
	d.watchers[id] = w
	d.mu.Unlock()

	go func() {
		w.run(ctx, d.done)
		d.mu.Lock()
		delete(d.watchers, id)
		d.mu.Unlock()
	}()
	return w.out
}

// notifyWatchers は処理ゴルーチンから呼ばれる
func (d *Dispatcher) notifyWatchers(ev camera.HotplugEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.watchers {
		w.push(ev)
	}
}
