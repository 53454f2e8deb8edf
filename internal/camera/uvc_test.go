package camera

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// makeSysfsDevice はテスト用に class/video4linux/<node>/device → USBインターフェースの構造を作る
func makeSysfsDevice(t *testing.T, root, node, port string, attrs map[string]string) {
	t.Helper()

	usbDir := filepath.Join(root, "devices", "usb1", port)
	iface := filepath.Join(usbDir, port+":1.0")
	if err := os.MkdirAll(iface, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, value := range attrs {
		if err := os.WriteFile(filepath.Join(usbDir, name), []byte(value+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	classDir := filepath.Join(root, "class", "video4linux", node)
	if err := os.MkdirAll(classDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(iface, filepath.Join(classDir, "device")); err != nil {
		t.Fatal(err)
	}
}

func TestDeriveUVCDeviceID(t *testing.T) {
	root := t.TempDir()
	makeSysfsDevice(t, root, "video0", "1-2", map[string]string{
		"idVendor": "046D", "idProduct": "082d", "serial": "AB12 CD34",
	})
	makeSysfsDevice(t, root, "video2", "1-3", map[string]string{
		"idVendor": "1bcf", "idProduct": "2284",
	})

	tests := []struct {
		name   string
		node   string
		prefix string
		want   string
	}{
		{name: "serial", node: "/dev/video0", want: "046d:082d:ab12_cd34"},
		{name: "port hash", node: "/dev/video2", prefix: "1bcf:2284:"},
		{name: "no usb attrs", node: "/dev/video9", prefix: unknownPrefix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := string(deriveUVCDeviceID(root, tt.node))
			if tt.want != "" && id != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, id)
			}
			if tt.prefix != "" && !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("Expected prefix %s, got %s", tt.prefix, id)
			}
		})
	}

	// 同じ入力からは常に同じIDになる
	if deriveUVCDeviceID(root, "/dev/video2") != deriveUVCDeviceID(root, "/dev/video2") {
		t.Error("Expected stable id")
	}
}

func newTestUVCBackend(t *testing.T, run commandRunner, capture map[string]bool) *UVCBackend {
	t.Helper()

	devDir := t.TempDir()
	sysfs := t.TempDir()
	for node := range capture {
		if err := os.WriteFile(filepath.Join(devDir, node), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	makeSysfsDevice(t, sysfs, "video0", "1-2", map[string]string{
		"idVendor": "046d", "idProduct": "082d", "serial": "CAFE",
	})

	b := NewUVCBackend(UVCOptions{DevDir: devDir, SysfsDir: sysfs}, nil)
	b.run = run
	b.probe = func(_ context.Context, devPath string) (probeResult, error) {
		node := filepath.Base(devPath)
		return probeResult{Name: "Webcam " + node, Capture: capture[node]}, nil
	}
	return b
}

func TestUVCBackend_Enumerate(t *testing.T) {
	b := newTestUVCBackend(t, nil, map[string]bool{"video0": true, "video1": false})

	devices, err := b.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Expected 1 capture device, got %d", len(devices))
	}
	if devices[0].ID != "046d:082d:cafe" {
		t.Errorf("Unexpected id: %s", devices[0].ID)
	}
	if b.Claim(devices[0].ID) == 0 {
		t.Error("Expected backend to claim its own id")
	}
	if b.Claim("canon:123") != 0 {
		t.Error("Expected backend not to claim foreign id")
	}
}

func TestUVCBackend_WriteControl(t *testing.T) {
	var setArgs []string
	run := func(_ context.Context, name string, args ...string) ([]byte, error) {
		switch {
		case contains(args, "--list-ctrls-menus"):
			return []byte(sampleListCtrls), nil
		case contains(args, "--set-ctrl"):
			setArgs = args
			if strings.HasPrefix(args[len(args)-1], "contrast=") {
				return nil, &CommandError{Command: name, Stderr: "VIDIOC_S_EXT_CTRLS: failed: Input/output error", Err: errors.New("exit status 255")}
			}
			return nil, nil
		}
		return nil, errors.New("unexpected command")
	}
	b := newTestUVCBackend(t, run, map[string]bool{"video0": true})
	ctx := context.Background()
	id := DeviceID("046d:082d:cafe")

	// 範囲外の値は丸めて書き込む
	if err := b.WriteControl(ctx, id, "brightness", 100); err != nil {
		t.Fatalf("WriteControl failed: %v", err)
	}
	if got := setArgs[len(setArgs)-1]; got != "brightness=64" {
		t.Errorf("Expected brightness=64, got %s", got)
	}

	// ドライバの拒否理由を返す
	err := b.WriteControl(ctx, id, "contrast", 10)
	var rejected *ControlRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("Expected ControlRejectedError, got %v", err)
	}
	if !strings.Contains(rejected.Reason, "Input/output error") {
		t.Errorf("Expected stderr in reason, got %q", rejected.Reason)
	}

	// 未対応と読み取り専用
	if err := b.WriteControl(ctx, id, "focus", 1); !errors.Is(err, ErrControlRejected) {
		t.Errorf("Expected rejection for unsupported control, got %v", err)
	}
	if err := b.WriteControl(ctx, id, "gain", 1); !errors.Is(err, ErrControlRejected) {
		t.Errorf("Expected rejection for read-only control, got %v", err)
	}

	// 他のバックエンドのID
	if err := b.WriteControl(ctx, "046d:082d:other", "brightness", 1); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
}

func TestUVCBackend_Formats(t *testing.T) {
	run := func(_ context.Context, _ string, args ...string) ([]byte, error) {
		return []byte(sampleListFormats), nil
	}
	b := newTestUVCBackend(t, run, map[string]bool{"video0": true})

	formats, err := b.Formats(context.Background(), "046d:082d:cafe")
	if err != nil {
		t.Fatalf("Formats failed: %v", err)
	}
	if len(formats) != 4 || formats[0].Width != 1280 {
		t.Errorf("Unexpected formats: %+v", formats)
	}
}

func TestExtractDeviceNumber(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"/dev/video0", 0},
		{"/dev/video12", 12},
		{"/dev/video-meta", 0},
	}
	for _, tt := range tests {
		if got := extractDeviceNumber(tt.path); got != tt.want {
			t.Errorf("extractDeviceNumber(%s): expected %d, got %d", tt.path, tt.want, got)
		}
	}
}

func contains(args []string, s string) bool {
	for _, a := range args {
		if a == s {
			return true
		}
	}
	return false
}
