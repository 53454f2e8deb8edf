package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"mitsume/internal/events"
	"mitsume/internal/preview"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 1024

	// eventsBuffer は接続ごとのイベント購読バッファ
	eventsBuffer = 32
	// previewCheckInterval はプレビューループの停止を確認する間隔
	previewCheckInterval = 250 * time.Millisecond
)

var (
	errClientGone   = errors.New("クライアントが切断しました")
	errClientBehind = errors.New("クライアントがフレームを受け取っていません")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// wsClient は1本のWebSocket接続
// 書き込みはハンドラーのゴルーチンだけが行う
type wsClient struct {
	conn *websocket.Conn
	done chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{conn: conn, done: make(chan struct{})}
}

// readPump はクライアントからのメッセージを読み、切断で done を閉じる
func (c *wsClient) readPump(onText func([]byte)) {
	defer close(c.done)
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && onText != nil {
			onText(data)
		}
	}
}

func (c *wsClient) write(kind int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, data)
}

func (c *wsClient) ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *wsClient) closeWith(code int, reason string) {
	_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// handleEventsSocket はイベントをJSONで流す
func (s *Server) handleEventsSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("WebSocketへの切り替えに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	client := newWSClient(conn)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// 接続/切断は取りこぼさない経路で、それ以外はイベントバスから受け取る
	hotplug := s.app.WatchDevices(ctx)
	bus, unsubscribe := s.app.Events().Subscribe(eventsBuffer)
	defer unsubscribe()
	go client.readPump(nil)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var ev events.Event
		select {
		case <-ctx.Done():
			client.closeWith(websocket.CloseGoingAway, "")
			return
		case <-client.done:
			return
		case hp, ok := <-hotplug:
			if !ok {
				client.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			ev = events.NewEvent(events.TypeDeviceHotplug, hp, time.Now())
		case busEv, ok := <-bus:
			if !ok {
				client.closeWith(websocket.CloseNormalClosure, "")
				return
			}
			if busEv.Type == events.TypeDeviceHotplug {
				continue
			}
			ev = busEv
		case <-ticker.C:
			if err := client.ping(); err != nil {
				return
			}
			continue
		}

		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("イベントのエンコードに失敗しました", "type", ev.Type, "error", err)
			continue
		}
		if err := client.write(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// handlePreviewSocket はプレビューフレームをバイナリメッセージで送る
// クライアントは描画のたびに "ack" を返し、それを合図に次のフレームを送る
func (s *Server) handlePreviewSocket(c *gin.Context) {
	id := deviceParam(c)
	if _, err := s.app.GetDiagnostics(id); err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("WebSocketへの切り替えに失敗しました", "error", err)
		return
	}
	defer conn.Close()

	client := newWSClient(conn)
	sched := preview.NewAckScheduler(preview.DefaultRetryInterval)
	frames := make(chan []byte, 2)

	present := func(h preview.Handle) error {
		buf := append([]byte(nil), h.Bytes()...)
		// ack が先に届くことがあるため送信前に記録する
		sched.Delivered()
		select {
		case <-client.done:
			return errClientGone
		case frames <- buf:
			return nil
		default:
			return errClientBehind
		}
	}

	bridge := s.app.OpenPreview(id, present, sched)
	defer s.app.ClosePreview(bridge)

	go client.readPump(func(data []byte) {
		if bytes.Equal(bytes.TrimSpace(data), []byte("ack")) {
			sched.Ack()
		}
	})

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	check := time.NewTicker(previewCheckInterval)
	defer check.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case <-ctx.Done():
			client.closeWith(websocket.CloseGoingAway, "")
			return
		case <-client.done:
			return
		case frame := <-frames:
			if err := client.write(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-check.C:
			if !bridge.Active() {
				client.closeWith(websocket.CloseTryAgainLater, preview.FatalMessage)
				return
			}
		case <-ping.C:
			if err := client.ping(); err != nil {
				return
			}
		}
	}
}
