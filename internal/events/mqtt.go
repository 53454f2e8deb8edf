package events

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
)

// Publishing はMQTT送信に必要な最小限の操作
// テストではブローカーなしの実装に差し替える
type Publishing interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTOptions はMQTT接続の設定
type MQTTOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// MQTTClient はpahoクライアントのラッパー
type MQTTClient struct {
	cli    mqtt.Client
	logger *slog.Logger
}

// ConnectMQTT はブローカーへ接続する
// 切断時は自動で再接続する
func ConnectMQTT(ctx context.Context, opts MQTTOptions, logger *slog.Logger) (*MQTTClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(broker)
	co.SetClientID(opts.ClientID)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(2 * time.Second)
	co.SetMaxReconnectInterval(30 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.OnConnect = func(mqtt.Client) {
		logger.Info("MQTTブローカーに接続しました", "broker", broker)
	}
	co.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTTブローカーとの接続が切れました。再接続を待ちます", "broker", broker, "error", err)
	}

	cli := mqtt.NewClient(co)
	token := cli.Connect()

	waitCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	select {
	case <-token.Done():
	case <-waitCtx.Done():
		cli.Disconnect(0)
		return nil, fmt.Errorf("MQTT接続がタイムアウトしました: %s", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT接続に失敗: %w", err)
	}

	return &MQTTClient{cli: cli, logger: logger}, nil
}

// Publish はQoS0で送信する
func (c *MQTTClient) Publish(topic string, payload []byte) error {
	t := c.cli.Publish(topic, 0, false, payload)
	if !t.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("MQTT送信がタイムアウトしました: %s", topic)
	}
	return t.Error()
}

// Close は接続を閉じる
func (c *MQTTClient) Close() {
	c.cli.Disconnect(250)
}

// MQTTSink はイベントを <prefix>/<type> のトピックへ送る
type MQTTSink struct {
	client Publishing
	prefix string
}

// NewMQTTSink は新しいMQTTSinkを作成する
func NewMQTTSink(client Publishing, prefix string) *MQTTSink {
	return &MQTTSink{client: client, prefix: strings.TrimSuffix(prefix, "/")}
}

// Topic はイベント種別のトピック名を返す
func (s *MQTTSink) Topic(t Type) string {
	return s.prefix + "/" + string(t)
}

// Send はイベントをJSONで送る
func (s *MQTTSink) Send(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}
	return s.client.Publish(s.Topic(ev.Type), payload)
}
