package bootstrap

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"mitsume/internal/camera"
	"mitsume/internal/config"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("Expected info to be filtered, got %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"value"`) {
		t.Errorf("Expected JSON warn record, got %s", out)
	}
}

func TestBackends(t *testing.T) {
	cfg := config.Default()
	cfg.Backends.UVC.Enabled = false
	cfg.Backends.Canon.Enabled = true
	cfg.Backends.Dummy.Enabled = true

	backends := Backends(cfg, nil)
	if len(backends) != 2 {
		t.Fatalf("Expected 2 backends, got %d", len(backends))
	}
	if backends[1].Kind() != camera.KindSynthetic {
		t.Errorf("Expected dummy backend last, got %v", backends[1].Kind())
	}

	router := camera.NewRouter(nil, backends...)
	devices := router.Enumerate(context.Background())
	if len(devices) != 1 || devices[0].ID != camera.DummyDeviceID {
		t.Errorf("Expected only the dummy device, got %+v", devices)
	}
}

func TestAppOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.FPS = 640, 480, 15
	cfg.Capture.StartupTimeout = 2 * time.Second
	cfg.Capture.ThumbnailQuality = 0
	cfg.Preview.FailureBudget = 10

	opts := AppOptions(cfg)
	if opts.DefaultFormat != (camera.FormatDescriptor{Width: 640, Height: 480, FPS: 15}) {
		t.Errorf("Unexpected default format: %+v", opts.DefaultFormat)
	}
	if opts.Capture.StartTimeout != 2*time.Second {
		t.Errorf("Expected start timeout 2s, got %v", opts.Capture.StartTimeout)
	}
	if opts.Capture.ThumbnailQuality != 70 {
		t.Errorf("Expected default thumbnail quality, got %d", opts.Capture.ThumbnailQuality)
	}
	if opts.Preview.FailureBudget != 10 {
		t.Errorf("Expected failure budget 10, got %d", opts.Preview.FailureBudget)
	}
	if opts.ReconcileSpec != "@every 30s" || !opts.AutoStart {
		t.Errorf("Unexpected schedule options: %+v", opts)
	}
}
