package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// DummyDeviceID は既定の合成カメラのID
const DummyDeviceID DeviceID = "dummy:test:camera-001"

const dummyPrefix = "dummy:"

// DummyWrite は DummyBackend に届いた書き込みの記録
type DummyWrite struct {
	DeviceID  DeviceID
	ControlID string
	Value     int32
}

// DummyBackend は実機なしで動作する合成カメラのバックエンド
// 開発時の動作確認とテストに使用する
type DummyBackend struct {
	mu       sync.Mutex
	devices  []*dummyDevice
	watchers []dummyWatcher
	writes   []DummyWrite

	frameInterval time.Duration

	// テスト用の失敗注入
	shouldFailEnumerate bool
	shouldFailCapture   bool
	rejectReason        string
}

type dummyDevice struct {
	desc     DeviceDescriptor
	controls []ControlDescriptor
}

type dummyWatcher struct {
	ctx context.Context
	fn  HotplugFunc
}

// NewDummyBackend は新しいDummyBackendを作成する
// デバイスを指定しない場合は既定のテストカメラを1台持つ
func NewDummyBackend(devices ...DeviceDescriptor) *DummyBackend {
	if len(devices) == 0 {
		devices = []DeviceDescriptor{{
			ID:   DummyDeviceID,
			Name: "Dummy Test Camera",
			Path: "dummy://test-camera",
		}}
	}

	b := &DummyBackend{frameInterval: time.Second / 30}
	for _, d := range devices {
		b.devices = append(b.devices, newDummyDevice(d))
	}
	return b
}

func newDummyDevice(d DeviceDescriptor) *dummyDevice {
	if d.Path == "" {
		d.Path = "dummy://" + string(d.ID)
	}
	d.Connected = true
	return &dummyDevice{desc: d, controls: dummyControls()}
}

func dummyControls() []ControlDescriptor {
	slider := func(id, name, group string, min, max, step, def int32) ControlDescriptor {
		d := def
		return ControlDescriptor{
			ID: id, Name: name, Type: ControlSlider, Group: group,
			Min: min, Max: max, Step: step, Default: &d, Current: def,
			Supported: true,
		}
	}
	return []ControlDescriptor{
		slider("brightness", "Brightness", GroupImage, 0, 255, 1, 128),
		slider("contrast", "Contrast", GroupImage, 0, 100, 1, 50),
		slider("saturation", "Saturation", GroupImage, 0, 200, 1, 100),
		slider("sharpness", "Sharpness", GroupImage, 0, 10, 1, 5),
		slider("white_balance", "White Balance", GroupExposure, 2000, 9000, 10, 6500),
	}
}

func (b *DummyBackend) sealed() {}

// Kind はバックエンド種別を返す
func (b *DummyBackend) Kind() Kind { return KindSynthetic }

// Prefixes は名前空間の接頭辞を返す
func (b *DummyBackend) Prefixes() []string { return []string{dummyPrefix} }

// Claim は "dummy:" で始まるIDを所有する
func (b *DummyBackend) Claim(id DeviceID) int {
	return claimPrefix(id, dummyPrefix)
}

// Enumerate は合成デバイス一覧を返す
func (b *DummyBackend) Enumerate(_ context.Context) ([]DeviceDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shouldFailEnumerate {
		return nil, fmt.Errorf("合成カメラの列挙に失敗しました")
	}

	out := make([]DeviceDescriptor, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d.desc)
	}
	return out, nil
}

// Controls はコントロール一覧のコピーを返す
func (b *DummyBackend) Controls(_ context.Context, id DeviceID) ([]ControlDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]ControlDescriptor, len(d.controls))
	copy(out, d.controls)
	return out, nil
}

// ReadControl は現在値を返す
func (b *DummyBackend) ReadControl(_ context.Context, id DeviceID, controlID string) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return 0, err
	}
	c, ok := FindControl(d.controls, controlID)
	if !ok {
		return 0, NotSupported(id, controlID)
	}
	return c.Current, nil
}

// WriteControl は範囲内に丸めた値を現在値として保持する
func (b *DummyBackend) WriteControl(_ context.Context, id DeviceID, controlID string, value int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return err
	}
	if b.rejectReason != "" {
		return RejectControl(id, controlID, b.rejectReason)
	}

	for i := range d.controls {
		c := &d.controls[i]
		if c.ID != controlID {
			continue
		}
		if !c.Supported {
			return NotSupported(id, controlID)
		}
		if c.Flags.IsReadOnly {
			return ReadOnly(id, controlID)
		}
		c.Current = c.Clamp(value)
		b.writes = append(b.writes, DummyWrite{DeviceID: id, ControlID: controlID, Value: c.Current})
		return nil
	}
	return NotSupported(id, controlID)
}

// Formats は固定のフォーマット一覧を返す
func (b *DummyBackend) Formats(_ context.Context, id DeviceID) ([]FormatDescriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.lookup(id); err != nil {
		return nil, err
	}
	formats := []FormatDescriptor{
		{Width: 320, Height: 240, FPS: 30, PixelFormat: "MJPG"},
		{Width: 640, Height: 480, FPS: 30, PixelFormat: "MJPG"},
	}
	SortFormats(formats)
	return formats, nil
}

// StartCapture は動くバーを描いた合成フレームを一定間隔で送り出す
func (b *DummyBackend) StartCapture(ctx context.Context, id DeviceID, format FormatDescriptor) (Stream, error) {
	b.mu.Lock()
	_, err := b.lookup(id)
	failCapture := b.shouldFailCapture
	interval := b.frameInterval
	b.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if failCapture {
		return nil, fmt.Errorf("%w: 合成カメラのキャプチャ開始に失敗しました", ErrCaptureUnavailable)
	}

	width, height := format.Width, format.Height
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}
	frames, err := renderTestPattern(width, height, 30)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	stream, streamCtx := newFrameStream(ctx, 2)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for i := 0; ; i++ {
			select {
			case <-streamCtx.Done():
				stream.finish(nil)
				return
			case now := <-ticker.C:
				stream.push(Frame{
					Data:       frames[i%len(frames)],
					Width:      width,
					Height:     height,
					CapturedAt: now,
				})
			}
		}
	}()
	return stream, nil
}

// WatchHotplug は AddDevice/RemoveDevice による変化を通知する
func (b *DummyBackend) WatchHotplug(ctx context.Context, fn HotplugFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers = append(b.watchers, dummyWatcher{ctx: ctx, fn: fn})
	return nil
}

// AddDevice はテスト用にデバイスを追加し、接続を通知する
func (b *DummyBackend) AddDevice(d DeviceDescriptor) {
	b.mu.Lock()
	for _, existing := range b.devices {
		if existing.desc.ID == d.ID {
			b.mu.Unlock()
			return
		}
	}
	dev := newDummyDevice(d)
	b.devices = append(b.devices, dev)
	b.mu.Unlock()

	b.notify(Connected(dev.desc))
}

// RemoveDevice はテスト用にデバイスを削除し、切断を通知する
func (b *DummyBackend) RemoveDevice(id DeviceID) {
	b.mu.Lock()
	removed := false
	for i, d := range b.devices {
		if d.desc.ID == id {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			removed = true
			break
		}
	}
	b.mu.Unlock()

	if removed {
		b.notify(Disconnected(id))
	}
}

// SetShouldFailEnumerate は列挙を失敗させるかを設定する
func (b *DummyBackend) SetShouldFailEnumerate(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldFailEnumerate = fail
}

// SetShouldFailCapture はキャプチャ開始を失敗させるかを設定する
func (b *DummyBackend) SetShouldFailCapture(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shouldFailCapture = fail
}

// SetRejectWrites は空でない理由を設定すると全ての書き込みを拒否する
func (b *DummyBackend) SetRejectWrites(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectReason = reason
}

// SetFrameInterval はフレーム生成間隔を設定する
func (b *DummyBackend) SetFrameInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d > 0 {
		b.frameInterval = d
	}
}

// SetControlFlags はテスト用にコントロールの対応状況と読み取り専用フラグを変更する
func (b *DummyBackend) SetControlFlags(id DeviceID, controlID string, supported, readOnly bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return
	}
	for i := range d.controls {
		if d.controls[i].ID == controlID {
			d.controls[i].Supported = supported
			d.controls[i].Flags.IsReadOnly = readOnly
		}
	}
}

// Writes はこれまでに受け付けた書き込みの記録を返す
func (b *DummyBackend) Writes() []DummyWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DummyWrite, len(b.writes))
	copy(out, b.writes)
	return out
}

func (b *DummyBackend) notify(ev HotplugEvent) {
	b.mu.Lock()
	watchers := make([]dummyWatcher, 0, len(b.watchers))
	for _, w := range b.watchers {
		if w.ctx.Err() == nil {
			watchers = append(watchers, w)
		}
	}
	b.watchers = watchers
	b.mu.Unlock()

	for _, w := range watchers {
		w.fn(ev)
	}
}

// lookup はロック済み前提でデバイスを探す
func (b *DummyBackend) lookup(id DeviceID) (*dummyDevice, error) {
	for _, d := range b.devices {
		if d.desc.ID == id {
			return d, nil
		}
	}
	return nil, deviceNotFound(id)
}

// renderTestPattern は横に流れるバーのJPEGフレームを n 枚生成する
func renderTestPattern(width, height, n int) ([][]byte, error) {
	bg := imaging.New(width, height, color.NRGBA{R: 32, G: 48, B: 96, A: 255})
	barWidth := width / 8
	if barWidth < 1 {
		barWidth = 1
	}
	bar := imaging.New(barWidth, height, color.NRGBA{R: 240, G: 240, B: 240, A: 255})

	frames := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		x := (width - barWidth) * i / n
		img := imaging.Paste(bg, bar, image.Pt(x, 0))

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
			return nil, fmt.Errorf("テストパターンのエンコードに失敗: %w", err)
		}
		frames = append(frames, buf.Bytes())
	}
	return frames, nil
}
