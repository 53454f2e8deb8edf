package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"
)

// UVCOptions はUVCバックエンドの設定
type UVCOptions struct {
	DevDir          string        // デバイスノードのディレクトリ (既定: /dev)
	SysfsDir        string        // sysfsのルート (既定: /sys)
	CommandTimeout  time.Duration // v4l2-ctl 呼び出しのタイムアウト
	HotplugDebounce time.Duration // ノード作成からの再列挙待ち
}

// UVCBackend はLinuxのV4L2デバイス (/dev/video*) を扱うバックエンド
//
// 列挙はデバイスノードの走査とsysfsのUSB属性、コントロールは v4l2-ctl、
// フレームは ffmpeg のMJPEG出力から取得する。
type UVCBackend struct {
	opts   UVCOptions
	run    commandRunner
	probe  prober
	logger *slog.Logger

	mu    sync.RWMutex
	known map[DeviceID]uvcDevice
}

type uvcDevice struct {
	desc  DeviceDescriptor
	names map[string]string // 論理ID → V4L2コントロール名
}

// NewUVCBackend は新しいUVCBackendを作成する
func NewUVCBackend(opts UVCOptions, logger *slog.Logger) *UVCBackend {
	if opts.DevDir == "" {
		opts.DevDir = "/dev"
	}
	if opts.SysfsDir == "" {
		opts.SysfsDir = "/sys"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 5 * time.Second
	}
	if opts.HotplugDebounce <= 0 {
		opts.HotplugDebounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &UVCBackend{
		opts:   opts,
		run:    execRunner,
		probe:  platformProber(execRunner),
		logger: logger.With("component", "uvc"),
		known:  make(map[DeviceID]uvcDevice),
	}
}

func (b *UVCBackend) sealed() {}

// Kind はバックエンド種別を返す
func (b *UVCBackend) Kind() Kind { return KindUVC }

// Prefixes はリテラルの名前空間接頭辞を返す
func (b *UVCBackend) Prefixes() []string { return []string{unknownPrefix} }

// Claim は vid:pid: 形式と unknown: 形式のIDを所有する
func (b *UVCBackend) Claim(id DeviceID) int {
	if loc := uvcIDRe.FindStringIndex(string(id)); loc != nil {
		return loc[1]
	}
	return claimPrefix(id, unknownPrefix)
}

var videoNodeRe = regexp.MustCompile(`^video(\d+)$`)

// Enumerate はV4L2デバイスノードを走査してカメラを列挙する
// 同じ物理カメラが複数ノード (メタデータ用など) を持つ場合は番号の小さいノードを採用する
func (b *UVCBackend) Enumerate(ctx context.Context) ([]DeviceDescriptor, error) {
	matches, err := filepath.Glob(filepath.Join(b.opts.DevDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []DeviceDescriptor
	seen := make(map[DeviceID]bool)
	for _, path := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !videoNodeRe.MatchString(filepath.Base(path)) {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
		res, err := b.probe(probeCtx, path)
		cancel()
		if err != nil {
			b.logger.Debug("デバイスを調べられませんでした", "path", path, "error", err)
			continue
		}
		if !res.Capture {
			continue
		}

		id := deriveUVCDeviceID(b.opts.SysfsDir, path)
		if seen[id] {
			continue
		}
		seen[id] = true

		name := res.Name
		if name == "" {
			name = fmt.Sprintf("カメラ %d", extractDeviceNumber(path))
		}
		devices = append(devices, DeviceDescriptor{ID: id, Name: name, Path: path, Connected: true})
	}

	b.mu.Lock()
	known := make(map[DeviceID]uvcDevice, len(devices))
	for _, d := range devices {
		known[d.ID] = uvcDevice{desc: d, names: b.known[d.ID].names}
	}
	b.known = known
	b.mu.Unlock()

	return devices, nil
}

// resolve はIDに対応するデバイスを返す。未知のIDなら一度だけ再列挙する
func (b *UVCBackend) resolve(ctx context.Context, id DeviceID) (uvcDevice, error) {
	b.mu.RLock()
	dev, ok := b.known[id]
	b.mu.RUnlock()
	if ok {
		return dev, nil
	}

	if _, err := b.Enumerate(ctx); err != nil {
		return uvcDevice{}, err
	}

	b.mu.RLock()
	dev, ok = b.known[id]
	b.mu.RUnlock()
	if !ok {
		return uvcDevice{}, deviceNotFound(id)
	}
	return dev, nil
}

func (b *UVCBackend) ctl(ctx context.Context, args ...string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.CommandTimeout)
	defer cancel()
	return b.run(callCtx, "v4l2-ctl", args...)
}

// Controls は v4l2-ctl --list-ctrls-menus の結果を固定のコントロール一覧に変換する
func (b *UVCBackend) Controls(ctx context.Context, id DeviceID) ([]ControlDescriptor, error) {
	dev, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := b.ctl(ctx, "--device", dev.desc.Path, "--list-ctrls-menus")
	if err != nil {
		return nil, fmt.Errorf("%w: コントロール一覧の取得に失敗: %v", ErrBackendUnavailable, err)
	}

	descriptors, names := mapUVCControls(parseV4L2Controls(string(out)))

	b.mu.Lock()
	if cur, ok := b.known[id]; ok {
		cur.names = names
		b.known[id] = cur
	}
	b.mu.Unlock()

	return descriptors, nil
}

// ReadControl は v4l2-ctl --get-ctrl で値を読み取る
func (b *UVCBackend) ReadControl(ctx context.Context, id DeviceID, controlID string) (int32, error) {
	desc, name, dev, err := b.lookupControl(ctx, id, controlID)
	if err != nil {
		return 0, err
	}
	if !desc.Supported {
		return 0, NotSupported(id, controlID)
	}

	out, err := b.ctl(ctx, "--device", dev.desc.Path, "--get-ctrl="+name)
	if err != nil {
		return 0, fmt.Errorf("%w: コントロール %s の読み取りに失敗: %v", ErrBackendUnavailable, controlID, err)
	}
	return parseGetCtrl(string(out))
}

// WriteControl は v4l2-ctl --set-ctrl で値を書き込む
// ドライバが拒否した場合は標準エラーの内容を理由として返す
func (b *UVCBackend) WriteControl(ctx context.Context, id DeviceID, controlID string, value int32) error {
	desc, name, dev, err := b.lookupControl(ctx, id, controlID)
	if err != nil {
		return err
	}
	if !desc.Supported {
		return NotSupported(id, controlID)
	}
	if desc.Flags.IsReadOnly {
		return ReadOnly(id, controlID)
	}

	value = desc.Clamp(value)
	_, err = b.ctl(ctx, "--device", dev.desc.Path, "--set-ctrl", name+"="+strconv.Itoa(int(value)))
	if err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.Stderr != "" {
			return RejectControl(id, controlID, cmdErr.Stderr)
		}
		return RejectControl(id, controlID, err.Error())
	}
	return nil
}

func (b *UVCBackend) lookupControl(ctx context.Context, id DeviceID, controlID string) (ControlDescriptor, string, uvcDevice, error) {
	controls, err := b.Controls(ctx, id)
	if err != nil {
		return ControlDescriptor{}, "", uvcDevice{}, err
	}
	desc, ok := FindControl(controls, controlID)
	if !ok {
		return ControlDescriptor{}, "", uvcDevice{}, NotSupported(id, controlID)
	}

	b.mu.RLock()
	dev := b.known[id]
	b.mu.RUnlock()
	return desc, dev.names[controlID], dev, nil
}

// Formats は v4l2-ctl --list-formats-ext の結果を返す
func (b *UVCBackend) Formats(ctx context.Context, id DeviceID) ([]FormatDescriptor, error) {
	dev, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	out, err := b.ctl(ctx, "--device", dev.desc.Path, "--list-formats-ext")
	if err != nil {
		return nil, fmt.Errorf("%w: フォーマット一覧の取得に失敗: %v", ErrBackendUnavailable, err)
	}
	return parseV4L2Formats(string(out)), nil
}

// StartCapture はffmpegでMJPEGストリームを開始する
func (b *UVCBackend) StartCapture(ctx context.Context, id DeviceID, format FormatDescriptor) (Stream, error) {
	dev, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	b.logger.Info("キャプチャを開始します", "device", id, "path", dev.desc.Path,
		"width", format.Width, "height", format.Height, "fps", format.FPS, "pixel_format", format.PixelFormat)
	return startFFmpegStream(ctx, dev.desc.Path, format)
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	m := videoNodeRe.FindStringSubmatch(filepath.Base(device))
	if len(m) < 2 {
		return 0
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return num
}
