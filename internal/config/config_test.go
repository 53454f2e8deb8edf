package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestConfigLoad はデフォルト設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	t.Setenv("MITSUME_SETTINGS_PATH", filepath.Join(t.TempDir(), "cameras.json"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}

	// 仕様上のデフォルト値
	if cfg.Capture.StartupTimeout != 5*time.Second {
		t.Errorf("起動タイムアウトが想定と異なります: %s", cfg.Capture.StartupTimeout)
	}
	if cfg.Preview.FailureBudget != 150 || cfg.Preview.GracePeriod != 5*time.Second {
		t.Errorf("プレビュー設定が想定と異なります: %+v", cfg.Preview)
	}
	if cfg.Settings.QuietPeriod != 500*time.Millisecond || cfg.Settings.MaxDelay != 2*time.Second {
		t.Errorf("保存設定が想定と異なります: %+v", cfg.Settings)
	}
	if !cfg.Backends.UVC.Enabled {
		t.Error("UVCバックエンドがデフォルトで無効です")
	}
}

// TestConfigLoadFile はYAMLファイルと環境変数の優先順位をテストする
func TestConfigLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mitsume.yaml")
	content := `
server:
  port: 9000
log:
  level: debug
backends:
  uvc:
    enabled: false
  dummy:
    enabled: true
capture:
  startup_timeout: 3s
settings:
  path: ` + filepath.Join(dir, "saved.json") + `
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9100")
	t.Setenv("MITSUME_MQTT_BROKER", "localhost:1883")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("環境変数が優先されていません: %d", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" || cfg.Backends.UVC.Enabled || !cfg.Backends.Dummy.Enabled {
		t.Errorf("ファイルの値が反映されていません: %+v %+v", cfg.Log, cfg.Backends)
	}
	if cfg.Capture.StartupTimeout != 3*time.Second {
		t.Errorf("期間の解析に失敗しました: %s", cfg.Capture.StartupTimeout)
	}
	if cfg.Capture.FPS != 30 {
		t.Errorf("未指定の値はデフォルトのままのはずです: %d", cfg.Capture.FPS)
	}
	if !cfg.Events.MQTT.Enabled || cfg.Events.MQTT.Broker != "localhost:1883" {
		t.Errorf("MQTT設定が反映されていません: %+v", cfg.Events.MQTT)
	}
	if cfg.Settings.Path != filepath.Join(dir, "saved.json") {
		t.Errorf("保存先が想定と異なります: %s", cfg.Settings.Path)
	}
}

// TestConfigLoadMissingFile は存在しない設定ファイルをテストする
func TestConfigLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("存在しないファイルでエラーになりませんでした")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr string
	}{
		{
			name:   "正常な設定",
			modify: func(c *Config) {},
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			expectErr: "Port",
		},
		{
			name:      "無効なログレベル",
			modify:    func(c *Config) { c.Log.Level = "verbose" },
			expectErr: "Level",
		},
		{
			name: "バックエンドなし",
			modify: func(c *Config) {
				c.Backends.UVC.Enabled = false
				c.Backends.Canon.Enabled = false
				c.Backends.Dummy.Enabled = false
			},
			expectErr: "バックエンド",
		},
		{
			name:      "ブローカー未指定のMQTT",
			modify:    func(c *Config) { c.Events.MQTT.Enabled = true },
			expectErr: "Broker",
		},
		{
			name: "保存の最大遅延が静止期間より短い",
			modify: func(c *Config) {
				c.Settings.QuietPeriod = 3 * time.Second
				c.Settings.MaxDelay = time.Second
			},
			expectErr: "max_delay",
		},
		{
			name:      "幅だけ指定",
			modify:    func(c *Config) { c.Capture.Height = 0 },
			expectErr: "capture.width",
		},
		{
			name:      "サムネイル品質が範囲外",
			modify:    func(c *Config) { c.Capture.ThumbnailQuality = 101 },
			expectErr: "ThumbnailQuality",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr == "" {
				if err != nil {
					t.Errorf("予期しないエラー: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("エラーが期待されましたが、nilが返されました")
			}
			if !strings.Contains(err.Error(), tc.expectErr) {
				t.Errorf("エラーに %q が含まれていません: %v", tc.expectErr, err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8081
	if got := cfg.ServerAddress(); got != "127.0.0.1:8081" {
		t.Errorf("想定と異なるアドレス: %s", got)
	}
}
