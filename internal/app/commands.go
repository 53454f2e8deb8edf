package app

import (
	"context"
	"fmt"

	"mitsume/internal/camera"
	"mitsume/internal/capture"
	"mitsume/internal/events"
	"mitsume/internal/preview"
	"mitsume/internal/settings"
	"mitsume/internal/state"
)

// ListDevices は現在のデバイス一覧を返す
func (a *App) ListDevices() []camera.DeviceDescriptor {
	return a.store.Snapshot().Devices
}

// Snapshot はデバイス一覧と選択状態を返す
func (a *App) Snapshot() state.Snapshot {
	return a.store.Snapshot()
}

// WatchDevices は ctx が終わるまで接続/切断イベントを流す
// イベントバスと違い、受信が遅れても取りこぼさない
func (a *App) WatchDevices(ctx context.Context) <-chan camera.HotplugEvent {
	return a.dispatcher.Watch(ctx)
}

// GetControls はデバイスのコントロール一覧を返す
func (a *App) GetControls(ctx context.Context, id camera.DeviceID) ([]camera.ControlDescriptor, error) {
	return a.router.Controls(ctx, id)
}

// lookupWritable は書き込み可能なコントロールを探す
func (a *App) lookupWritable(ctx context.Context, id camera.DeviceID, controlID string) (camera.ControlDescriptor, error) {
	controls, err := a.router.Controls(ctx, id)
	if err != nil {
		return camera.ControlDescriptor{}, err
	}
	c, ok := camera.FindControl(controls, controlID)
	if !ok || !c.Supported {
		return camera.ControlDescriptor{}, camera.NotSupported(id, controlID)
	}
	if c.Flags.IsReadOnly {
		return camera.ControlDescriptor{}, camera.ReadOnly(id, controlID)
	}
	return c, nil
}

// SetControl は範囲に収めた値をハードウェアへ書き込み、成功したら保存する
// knownName は呼び出し側が把握している表示名で、空なら一覧の名前を使う
// 実際に書き込んだ値を返す
func (a *App) SetControl(ctx context.Context, id camera.DeviceID, controlID string, value int32, knownName string) (int32, error) {
	c, err := a.lookupWritable(ctx, id, controlID)
	if err != nil {
		return 0, err
	}

	clamped := c.Clamp(value)
	if err := a.router.WriteControl(ctx, id, controlID, clamped); err != nil {
		return 0, err
	}

	if knownName == "" {
		knownName = a.displayName(id)
	}
	a.settings.SetControl(id, controlID, clamped, knownName)
	return clamped, nil
}

// ResetControl はコントロールをデフォルト値に戻し、保存済みの値を外す
func (a *App) ResetControl(ctx context.Context, id camera.DeviceID, controlID string) (int32, error) {
	c, err := a.lookupWritable(ctx, id, controlID)
	if err != nil {
		return 0, err
	}
	if c.Default == nil {
		return 0, camera.RejectControl(id, controlID, fmt.Sprintf("Control '%s' has no default value", controlID))
	}

	value := c.Clamp(*c.Default)
	if err := a.router.WriteControl(ctx, id, controlID, value); err != nil {
		return 0, err
	}
	a.settings.RemoveControl(id, controlID)
	return value, nil
}

// ResetAll はデフォルト値を持つ全コントロールを戻し、保存済みの値を消す
// 記録そのものは残す
func (a *App) ResetAll(ctx context.Context, id camera.DeviceID) ([]settings.ResetResult, error) {
	controls, err := a.router.Controls(ctx, id)
	if err != nil {
		return nil, err
	}

	defaults := make(map[string]int32)
	for _, c := range controls {
		if !c.Writable() || c.Default == nil {
			continue
		}
		value := c.Clamp(*c.Default)
		if err := a.router.WriteControl(ctx, id, c.ID, value); err != nil {
			return nil, err
		}
		defaults[c.ID] = value
	}
	return a.settings.ResetAll(id, defaults), nil
}

// GetFormats は対応フォーマットを返す
func (a *App) GetFormats(ctx context.Context, id camera.DeviceID) ([]camera.FormatDescriptor, error) {
	return a.router.Formats(ctx, id)
}

// StartCapture はキャプチャを開始する
// 要求と一致するフォーマットがなければ最も近いものを使う
func (a *App) StartCapture(ctx context.Context, id camera.DeviceID, width, height, fps int) (capture.Diagnostics, error) {
	formats, err := a.router.Formats(ctx, id)
	if err != nil {
		return capture.Diagnostics{}, err
	}
	format, ok := chooseFormat(formats, width, height, fps)
	if !ok {
		return capture.Diagnostics{}, fmt.Errorf("%w: 対応フォーマットがありません (%s)", camera.ErrCaptureUnavailable, id)
	}

	s, err := a.captures.Start(ctx, id, format)
	if err != nil {
		return capture.Diagnostics{}, err
	}
	a.logger.Info("キャプチャを開始しました", "device_id", id, "width", format.Width, "height", format.Height, "fps", format.FPS)
	return s.Diagnostics(), nil
}

// StopCapture はキャプチャとそのプレビューを停止する
func (a *App) StopCapture(id camera.DeviceID) error {
	a.previews.Stop(id)
	return a.captures.Stop(id)
}

// GetFrame は最新フレームを返す
func (a *App) GetFrame(id camera.DeviceID) (capture.Frame, error) {
	s, err := a.captures.Get(id)
	if err != nil {
		return capture.Frame{}, err
	}
	return s.Frame()
}

// GetThumbnail は最新のサムネイルを返す
func (a *App) GetThumbnail(id camera.DeviceID) ([]byte, error) {
	s, err := a.captures.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Thumbnail()
}

// GetDiagnostics はセッションの診断情報を返す
func (a *App) GetDiagnostics(id camera.DeviceID) (capture.Diagnostics, error) {
	s, err := a.captures.Get(id)
	if err != nil {
		return capture.Diagnostics{}, err
	}
	return s.Diagnostics(), nil
}

// AllDiagnostics は全セッションの診断情報を返す
func (a *App) AllDiagnostics() []capture.Diagnostics {
	return a.captures.Snapshots()
}

// GetSavedSettings は保存済み設定を返す
func (a *App) GetSavedSettings(id camera.DeviceID) (settings.Record, bool) {
	return a.settings.Get(id)
}

// RestoreSettings は保存済みの値をデバイスへ適用する
// 未対応と読み取り専用のコントロールは飛ばし、値は範囲に収める
func (a *App) RestoreSettings(ctx context.Context, device camera.DeviceDescriptor) (events.SettingsRestored, bool, error) {
	rec, ok := a.settings.Get(device.ID)
	if !ok {
		return events.SettingsRestored{}, false, nil
	}

	name := rec.DisplayName
	if name == "" {
		name = device.Name
	}
	result := events.SettingsRestored{DeviceID: device.ID, DisplayName: name}

	controls, err := a.router.Controls(ctx, device.ID)
	if err != nil {
		return result, true, err
	}

	for _, controlID := range rec.ControlIDs() {
		c, found := camera.FindControl(controls, controlID)
		if !found || !c.Writable() {
			a.logger.Debug("適用できないコントロールを飛ばしました", "device_id", device.ID, "control", controlID)
			continue
		}
		value := c.Clamp(rec.Controls[controlID])
		if err := a.router.WriteControl(ctx, device.ID, controlID, value); err != nil {
			a.logger.Warn("保存済みの値を適用できませんでした", "device_id", device.ID, "control", controlID, "value", value, "error", err)
			continue
		}
		result.ControlsApplied++
	}
	return result, true, nil
}

// OpenPreview はデバイスのプレビューループを作成して開始する
// 同じデバイスの既存ループは停止する
func (a *App) OpenPreview(id camera.DeviceID, present preview.Presenter, sched preview.Scheduler) *preview.Bridge {
	fetch := func(_ context.Context, id camera.DeviceID) ([]byte, error) {
		f, err := a.GetFrame(id)
		if err != nil {
			return nil, err
		}
		return f.Data, nil
	}
	b := preview.NewBridge(id, fetch, a.decoder, present, sched, a.opts.Preview, a.logger)
	b.OnFatal(a.previewFatal)
	a.previews.Start(b)
	return b
}

// ClosePreview はプレビューループを停止する。キャプチャは止めない
func (a *App) ClosePreview(b *preview.Bridge) {
	a.previews.Release(b)
}

// PreviewActive はデバイスのプレビューループが動作中かを返す
func (a *App) PreviewActive(id camera.DeviceID) bool {
	return a.previews.Active(id)
}

func (a *App) displayName(id camera.DeviceID) string {
	if d, ok := a.store.Snapshot().Device(id); ok {
		return d.Name
	}
	return ""
}
