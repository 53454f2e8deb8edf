package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"mitsume/internal/settings"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Backends  BackendsConfig  `yaml:"backends"`
	Capture   CaptureConfig   `yaml:"capture"`
	Preview   PreviewConfig   `yaml:"preview"`
	Settings  SettingsConfig  `yaml:"settings"`
	Events    EventsConfig    `yaml:"events"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"`                                     // リッスンするホスト
	Port int    `yaml:"port" validate:"required,min=1,max=65535"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout" validate:"gte=0"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"` // 書き込みタイムアウト (0はストリーミング用に無効)
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// BackendsConfig は有効にするバックエンドの設定
type BackendsConfig struct {
	UVC   UVCConfig   `yaml:"uvc"`
	Canon CanonConfig `yaml:"canon"`
	Dummy DummyConfig `yaml:"dummy"`
}

// UVCConfig はUVCバックエンドの設定
type UVCConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SysfsDir       string        `yaml:"sysfs_dir"`
	DevDir         string        `yaml:"dev_dir"`
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gte=0"`
}

// CanonConfig はテザー接続バックエンドの設定
// 実機SDKは同梱しないため、有効にするとモックSDKで動作する
type CanonConfig struct {
	Enabled          bool          `yaml:"enabled"`
	PollInterval     time.Duration `yaml:"poll_interval" validate:"gte=0"`
	LiveViewInterval time.Duration `yaml:"live_view_interval" validate:"gte=0"`
}

// DummyConfig は合成カメラの設定
type DummyConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CaptureConfig はキャプチャセッションの設定
type CaptureConfig struct {
	AutoStart         bool          `yaml:"auto_start"` // 選択したデバイスのキャプチャを自動で開始する
	Width             int           `yaml:"width" validate:"gte=0"`
	Height            int           `yaml:"height" validate:"gte=0"`
	FPS               int           `yaml:"fps" validate:"gte=0,lte=240"`
	StartupTimeout    time.Duration `yaml:"startup_timeout" validate:"gte=0"`
	StopTimeout       time.Duration `yaml:"stop_timeout" validate:"gte=0"`
	ThumbnailInterval time.Duration `yaml:"thumbnail_interval" validate:"gte=0"`
	ThumbnailQuality  int           `yaml:"thumbnail_quality" validate:"gte=0,lte=100"`
}

// PreviewConfig はプレビュー配信の設定
type PreviewConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period" validate:"gte=0"`
	FailureBudget int           `yaml:"failure_budget" validate:"gte=0"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout" validate:"gte=0"`
}

// SettingsConfig は設定ファイルの保存設定
type SettingsConfig struct {
	Path        string        `yaml:"path"` // 空なら <UserConfigDir>/mitsume/cameras.json
	QuietPeriod time.Duration `yaml:"quiet_period" validate:"gte=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"gte=0"`
}

// EventsConfig はイベント転送の設定
type EventsConfig struct {
	MQTT MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig はMQTTブローカーへの転送設定
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker" validate:"required_if=Enabled true"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// ReconcileConfig は定期ジョブの設定 (cron書式)
type ReconcileConfig struct {
	Devices string `yaml:"devices"` // デバイス一覧の再照合
	Metrics string `yaml:"metrics"` // メトリクスの更新
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Backends: BackendsConfig{
			UVC: UVCConfig{
				Enabled:        true,
				SysfsDir:       "/sys",
				DevDir:         "/dev",
				CommandTimeout: 3 * time.Second,
			},
			Canon: CanonConfig{
				Enabled:          false,
				PollInterval:     3 * time.Second,
				LiveViewInterval: 200 * time.Millisecond,
			},
			Dummy: DummyConfig{Enabled: false},
		},
		Capture: CaptureConfig{
			AutoStart:         true,
			Width:             1280,
			Height:            720,
			FPS:               30,
			StartupTimeout:    5 * time.Second,
			StopTimeout:       time.Second,
			ThumbnailInterval: 500 * time.Millisecond,
			ThumbnailQuality:  70,
		},
		Preview: PreviewConfig{
			GracePeriod:   5 * time.Second,
			FailureBudget: 150,
			FetchTimeout:  time.Second,
		},
		Settings: SettingsConfig{
			QuietPeriod: 500 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{ClientID: "mitsume", TopicPrefix: "mitsume/events"},
		},
		Reconcile: ReconcileConfig{
			Devices: "@every 30s",
			Metrics: "@every 1s",
		},
	}
}

// Load は設定を読み込む
// path が空でなければYAMLファイルを読み、その後に環境変数で上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Settings.Path == "" {
		p, err := settings.DefaultPath()
		if err != nil {
			return nil, err
		}
		cfg.Settings.Path = p
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Log.Level = getEnvOrDefault("MITSUME_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnvOrDefault("MITSUME_LOG_FORMAT", c.Log.Format)
	c.Backends.UVC.Enabled = getEnvAsBoolOrDefault("MITSUME_UVC", c.Backends.UVC.Enabled)
	c.Backends.Canon.Enabled = getEnvAsBoolOrDefault("MITSUME_CANON", c.Backends.Canon.Enabled)
	c.Backends.Dummy.Enabled = getEnvAsBoolOrDefault("MITSUME_DUMMY", c.Backends.Dummy.Enabled)
	c.Settings.Path = getEnvOrDefault("MITSUME_SETTINGS_PATH", c.Settings.Path)
	c.Events.MQTT.Broker = getEnvOrDefault("MITSUME_MQTT_BROKER", c.Events.MQTT.Broker)
	if c.Events.MQTT.Broker != "" && os.Getenv("MITSUME_MQTT_BROKER") != "" {
		c.Events.MQTT.Enabled = true
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%s, 値: %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("無効な設定: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	if !c.Backends.UVC.Enabled && !c.Backends.Canon.Enabled && !c.Backends.Dummy.Enabled {
		return errors.New("有効なバックエンドがありません")
	}
	if c.Settings.MaxDelay > 0 && c.Settings.QuietPeriod > c.Settings.MaxDelay {
		return fmt.Errorf("settings.max_delay (%s) は quiet_period (%s) 以上である必要があります", c.Settings.MaxDelay, c.Settings.QuietPeriod)
	}
	if (c.Capture.Width == 0) != (c.Capture.Height == 0) {
		return errors.New("capture.width と capture.height は両方指定する必要があります")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsBoolOrDefault は環境変数を真偽値として取得する
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
