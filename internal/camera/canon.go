package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const canonPrefix = "canon:"

// CanonOptions はテザー接続バックエンドの設定
type CanonOptions struct {
	PollInterval     time.Duration // ホットプラグのポーリング間隔 (既定: 3秒)
	LiveViewInterval time.Duration // ライブビューの取得間隔 (既定: 200ms)
	MaxLiveViewFails int           // 連続失敗でストリームを終了する回数 (既定: 25)
}

// CanonBackend はSDK経由でテザー接続カメラを扱うバックエンド
type CanonBackend struct {
	sdk    CanonSDK
	opts   CanonOptions
	logger *slog.Logger

	calls     chan func()
	startOnce sync.Once

	mu      sync.RWMutex
	handles map[DeviceID]CanonHandle
}

// NewCanonBackend は新しいCanonBackendを作成する
func NewCanonBackend(sdk CanonSDK, opts CanonOptions, logger *slog.Logger) *CanonBackend {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.LiveViewInterval <= 0 {
		opts.LiveViewInterval = 200 * time.Millisecond
	}
	if opts.MaxLiveViewFails <= 0 {
		opts.MaxLiveViewFails = 25
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CanonBackend{
		sdk:     sdk,
		opts:    opts,
		logger:  logger.With("component", "canon"),
		calls:   make(chan func()),
		handles: make(map[DeviceID]CanonHandle),
	}
}

// sdkLoop はSDK呼び出しを1つのOSスレッド上で順番に実行する
func (b *CanonBackend) sdkLoop() {
	runtime.LockOSThread()
	for fn := range b.calls {
		fn()
	}
}

// do は fn をSDKスレッドで実行し、完了を待つ
func (b *CanonBackend) do(ctx context.Context, fn func() error) error {
	b.startOnce.Do(func() {
		go b.sdkLoop()
	})

	result := make(chan error, 1)
	call := func() { result <- fn() }

	select {
	case b.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *CanonBackend) sealed() {}

// Kind はバックエンド種別を返す
func (b *CanonBackend) Kind() Kind { return KindTethered }

// Prefixes は名前空間の接頭辞を返す
func (b *CanonBackend) Prefixes() []string { return []string{canonPrefix} }

// Claim は "canon:" で始まるIDを所有する
func (b *CanonBackend) Claim(id DeviceID) int {
	return claimPrefix(id, canonPrefix)
}

// Enumerate はSDKが認識しているカメラを列挙する
func (b *CanonBackend) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	var (
		devices []DeviceDescriptor
		handles = make(map[DeviceID]CanonHandle)
	)

	err := b.do(ctx, func() error {
		list, err := b.sdk.CameraList()
		if err != nil {
			return err
		}
		for _, h := range list {
			info, err := b.sdk.DeviceInfo(h)
			if err != nil {
				b.logger.Warn("カメラ情報の取得に失敗しました", "handle", h, "error", err)
				continue
			}
			id := canonDeviceID(info)
			handles[id] = h
			devices = append(devices, DeviceDescriptor{
				ID:        id,
				Name:      info.Model,
				Path:      "edsdk://" + info.Model,
				Connected: true,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("カメラ一覧の取得に失敗: %w", err)
	}

	b.mu.Lock()
	b.handles = handles
	b.mu.Unlock()
	return devices, nil
}

func canonDeviceID(info CanonDeviceInfo) DeviceID {
	if serial := sanitizeSerial(info.Serial); serial != "" {
		return DeviceID(canonPrefix + serial)
	}
	return DeviceID(canonPrefix + shortHash(info.Model))
}

func (b *CanonBackend) handle(ctx context.Context, id DeviceID) (CanonHandle, error) {
	b.mu.RLock()
	h, ok := b.handles[id]
	b.mu.RUnlock()
	if ok {
		return h, nil
	}

	if _, err := b.Enumerate(ctx); err != nil {
		return 0, err
	}
	b.mu.RLock()
	h, ok = b.handles[id]
	b.mu.RUnlock()
	if !ok {
		return 0, deviceNotFound(id)
	}
	return h, nil
}

// Controls はプロパティを読み取ってコントロール一覧を作る
// 取得できないプロパティは Supported=false で返す
func (b *CanonBackend) Controls(ctx context.Context, id DeviceID) ([]ControlDescriptor, error) {
	h, err := b.handle(ctx, id)
	if err != nil {
		return nil, err
	}

	var descriptors []ControlDescriptor
	err = b.do(ctx, func() error {
		for _, m := range canonMappings {
			descriptors = append(descriptors, b.describe(h, m))
		}
		return nil
	})
	return descriptors, err
}

// describe はSDKスレッド上で1つのコントロールの記述子を作る
func (b *CanonBackend) describe(h CanonHandle, m canonMapping) ControlDescriptor {
	desc := ControlDescriptor{ID: m.ID, Name: m.Name, Type: m.Type, Group: GroupCamera}

	current, err := b.sdk.Property(h, m.Prop)
	if err != nil {
		b.logger.Debug("プロパティを取得できません", "control", m.ID, "error", err)
		return desc
	}
	desc.Current = current

	switch m.Type {
	case ControlSelect:
		values, err := b.sdk.PropertyOptions(h, m.Prop)
		if err != nil || len(values) == 0 {
			return desc
		}
		desc.Min, desc.Max = values[0], values[0]
		for _, v := range values {
			desc.Options = append(desc.Options, ControlOption{Value: v, Label: canonLabel(m.Prop, v)})
			if v < desc.Min {
				desc.Min = v
			}
			if v > desc.Max {
				desc.Max = v
			}
		}
	case ControlSlider:
		// 露出補正は 1/3 段刻みで ±3 段 (内部値 ±24)
		desc.Min, desc.Max, desc.Step = -24, 24, 1
	}
	desc.Supported = true
	return desc
}

// ReadControl はプロパティの現在値を返す
func (b *CanonBackend) ReadControl(ctx context.Context, id DeviceID, controlID string) (int32, error) {
	m, ok := canonMappingFor(controlID)
	if !ok {
		return 0, NotSupported(id, controlID)
	}
	h, err := b.handle(ctx, id)
	if err != nil {
		return 0, err
	}

	var value int32
	err = b.do(ctx, func() error {
		v, err := b.sdk.Property(h, m.Prop)
		value = v
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return value, nil
}

// WriteControl はプロパティを設定する
// 選択式の場合は選択肢にない値を拒否する
func (b *CanonBackend) WriteControl(ctx context.Context, id DeviceID, controlID string, value int32) error {
	m, ok := canonMappingFor(controlID)
	if !ok {
		return NotSupported(id, controlID)
	}
	h, err := b.handle(ctx, id)
	if err != nil {
		return err
	}

	return b.do(ctx, func() error {
		desc := b.describe(h, m)
		if !desc.Supported {
			return NotSupported(id, controlID)
		}
		if m.Type == ControlSelect && !hasOption(desc.Options, value) {
			return RejectControl(id, controlID, fmt.Sprintf("値 %d は選択肢にありません", value))
		}
		if err := b.sdk.SetProperty(h, m.Prop, desc.Clamp(value)); err != nil {
			return RejectControl(id, controlID, err.Error())
		}
		return nil
	})
}

func hasOption(options []ControlOption, value int32) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// Formats はライブビューの固定フォーマットを返す
func (b *CanonBackend) Formats(ctx context.Context, id DeviceID) ([]FormatDescriptor, error) {
	if _, err := b.handle(ctx, id); err != nil {
		return nil, err
	}
	return []FormatDescriptor{{Width: 960, Height: 640, FPS: 5, PixelFormat: "JPEG"}}, nil
}

// StartCapture はライブビューを開始し、一定間隔で画像を取得する
func (b *CanonBackend) StartCapture(ctx context.Context, id DeviceID, format FormatDescriptor) (Stream, error) {
	h, err := b.handle(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := b.do(ctx, func() error { return b.sdk.StartLiveView(h) }); err != nil {
		return nil, fmt.Errorf("%w: ライブビューの開始に失敗: %v", ErrCaptureUnavailable, err)
	}

	stream, streamCtx := newFrameStream(ctx, 2)
	go b.pollLiveView(streamCtx, stream, h, format)
	return stream, nil
}

func (b *CanonBackend) pollLiveView(ctx context.Context, stream *frameStream, h CanonHandle, format FormatDescriptor) {
	ticker := time.NewTicker(b.opts.LiveViewInterval)
	defer ticker.Stop()

	// ライブビューを止めてからストリームを閉じる
	// Close が返った時点でSDK側の資源は解放済みになる
	stop := func(err error) {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := b.do(stopCtx, func() error { return b.sdk.StopLiveView(h) }); err != nil {
			b.logger.Warn("ライブビューの停止に失敗しました", "error", err)
		}
		stream.finish(err)
	}

	fails := 0
	for {
		select {
		case <-ctx.Done():
			stop(nil)
			return
		case <-ticker.C:
		}

		var data []byte
		err := b.do(ctx, func() error {
			d, err := b.sdk.DownloadLiveView(h)
			data = d
			return err
		})
		switch {
		case err == nil:
			fails = 0
			stream.push(Frame{Data: data, Width: format.Width, Height: format.Height, CapturedAt: time.Now()})
		case errors.Is(err, ErrCanonNotReady):
			stream.dropped.Add(1)
		case ctx.Err() != nil:
			stop(nil)
			return
		default:
			fails++
			if fails >= b.opts.MaxLiveViewFails {
				stop(fmt.Errorf("ライブビュー画像の取得に連続して失敗しました: %w", err))
				return
			}
		}
	}
}

// WatchHotplug は一定間隔で列挙して差分を通知する
func (b *CanonBackend) WatchHotplug(ctx context.Context, fn HotplugFunc) error {
	prev, err := b.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	go func() {
		ticker := time.NewTicker(b.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cur, err := b.Enumerate(ctx)
				if err != nil {
					b.logger.Warn("ポーリング中の列挙に失敗しました", "error", err)
					continue
				}
				for _, ev := range DiffDevices(prev, cur) {
					fn(ev)
				}
				prev = cur
			}
		}
	}()
	return nil
}
