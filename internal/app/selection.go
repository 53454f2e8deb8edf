package app

import (
	"context"

	"mitsume/internal/camera"
	"mitsume/internal/state"
)

// stateChanged は状態ストアのゴルーチンから呼ばれる
// ここから Dispatch すると詰まるため、選択の変化は selectionLoop へ渡すだけにする
func (a *App) stateChanged(c state.Change) {
	a.metrics.SetDevices(len(c.Next.Devices))
	if !c.SelectionChanged() {
		return
	}

	a.selMu.Lock()
	a.selTarget = c.Next.Selected
	a.selDirty = true
	a.selMu.Unlock()

	select {
	case a.selWake <- struct{}{}:
	default:
	}
}

// selectionLoop は選択の変化に合わせてキャプチャを切り替える
// 連続した変化は最後の選択だけを反映する
func (a *App) selectionLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.selWake:
		}

		a.selMu.Lock()
		if !a.selDirty {
			a.selMu.Unlock()
			continue
		}
		target := a.selTarget
		prev := a.autoOwned
		a.selDirty = false
		a.selMu.Unlock()

		a.applySelection(ctx, prev, target)
	}
}

func (a *App) applySelection(ctx context.Context, prev, target camera.DeviceID) {
	if prev == target {
		return
	}

	if prev != "" {
		if err := a.captures.Stop(prev); err != nil {
			a.logger.Warn("前のデバイスのキャプチャ停止に失敗しました", "device_id", prev, "error", err)
		}
		a.previews.Stop(prev)
	}

	owned := camera.DeviceID("")
	if target != "" && a.opts.AutoStart {
		if _, err := a.StartCapture(ctx, target, a.opts.DefaultFormat.Width, a.opts.DefaultFormat.Height, a.opts.DefaultFormat.FPS); err != nil {
			a.logger.Warn("選択したデバイスのキャプチャを開始できませんでした", "device_id", target, "error", err)
			a.captureFailed(target, err)
		} else {
			owned = target
		}
	}

	a.selMu.Lock()
	a.autoOwned = owned
	a.selMu.Unlock()
}

// SelectDevice はデバイスを選択する。空のIDは選択解除
func (a *App) SelectDevice(ctx context.Context, id camera.DeviceID) (state.Snapshot, error) {
	return a.store.Dispatch(ctx, state.Select{ID: id})
}

// Selected は現在の選択を返す
func (a *App) Selected() camera.DeviceID {
	return a.store.Snapshot().Selected
}
