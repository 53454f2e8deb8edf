package camera

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchHotplug は /dev を監視し、video ノードの作成/削除を検出したら再列挙して差分を通知する
func (b *UVCBackend) WatchHotplug(ctx context.Context, fn HotplugFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: ファイル監視の作成に失敗: %v", ErrBackendUnavailable, err)
	}
	if err := watcher.Add(b.opts.DevDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("%w: %s の監視に失敗: %v", ErrBackendUnavailable, b.opts.DevDir, err)
	}

	initial, err := b.Enumerate(ctx)
	if err != nil {
		b.logger.Warn("初回の列挙に失敗しました", "error", err)
	}

	go b.hotplugLoop(ctx, watcher, initial, fn)
	return nil
}

func (b *UVCBackend) hotplugLoop(ctx context.Context, watcher *fsnotify.Watcher, prev []DeviceDescriptor, fn HotplugFunc) {
	defer func() {
		_ = watcher.Close()
	}()

	// 再列挙はノード作成が落ち着いてから行う (udevの権限設定待ち)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), "video") {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(b.opts.HotplugDebounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("デバイス監視でエラーが発生しました", "error", err)

		case <-debounce.C:
			cur, err := b.Enumerate(ctx)
			if err != nil {
				b.logger.Warn("ホットプラグ後の列挙に失敗しました", "error", err)
				continue
			}
			for _, ev := range DiffDevices(prev, cur) {
				fn(ev)
			}
			prev = cur
		}
	}
}
