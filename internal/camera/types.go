package camera

import (
	"sort"
	"time"

	json "github.com/goccy/go-json"
)

// DeviceID はバックエンドごとの名前空間を持つ安定したデバイス識別子
// 同じ物理デバイスは再接続や再起動をまたいで同じIDになる
type DeviceID string

// String はIDの文字列表現を返す
func (id DeviceID) String() string {
	return string(id)
}

// DeviceDescriptor は列挙で得られたデバイスのスナップショット
type DeviceDescriptor struct {
	ID        DeviceID `json:"id"`        // デバイスID
	Name      string   `json:"name"`      // 表示名
	Path      string   `json:"path"`      // 接続パス (例: /dev/video0)
	Connected bool     `json:"connected"` // 接続状態
}

// ControlType はUIに提示するコントロールの種類
type ControlType string

// ControlType の定数定義
const (
	ControlSlider ControlType = "slider" // 数値範囲
	ControlToggle ControlType = "toggle" // オン/オフ
	ControlSelect ControlType = "select" // 選択肢
)

// コントロールのグループ
const (
	GroupImage    = "image"
	GroupExposure = "exposure"
	GroupFocus    = "focus"
	GroupAdvanced = "advanced"
	GroupCamera   = "camera"
)

// ControlFlags はコントロールの能力フラグ
type ControlFlags struct {
	SupportsAuto  bool `json:"supportsAuto"`  // 自動モードを持つ
	IsAutoEnabled bool `json:"isAutoEnabled"` // 自動モードが有効
	IsReadOnly    bool `json:"isReadOnly"`    // 読み取り専用
}

// ControlOption は選択式コントロールの選択肢
type ControlOption struct {
	Value int32  `json:"value"`
	Label string `json:"label"`
}

// ControlDescriptor はデバイスコントロールの記述子
type ControlDescriptor struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Type      ControlType     `json:"type"`
	Group     string          `json:"group"`
	Min       int32           `json:"min"`
	Max       int32           `json:"max"`
	Step      int32           `json:"step"`
	Default   *int32          `json:"default,omitempty"`
	Current   int32           `json:"current"`
	Flags     ControlFlags    `json:"flags"`
	Options   []ControlOption `json:"options,omitempty"`
	Supported bool            `json:"supported"`
}

// Writable はハードウェアへ書き込んでよいコントロールかを返す
func (c ControlDescriptor) Writable() bool {
	return c.Supported && !c.Flags.IsReadOnly
}

// Clamp は値をコントロールの範囲に収める
// 選択式の場合は最も近い選択肢に丸める
func (c ControlDescriptor) Clamp(value int32) int32 {
	if c.Type == ControlSelect && len(c.Options) > 0 {
		best := c.Options[0].Value
		bestDist := absDiff(value, best)
		for _, opt := range c.Options[1:] {
			if d := absDiff(value, opt.Value); d < bestDist {
				best, bestDist = opt.Value, d
			}
		}
		return best
	}
	if c.Min > c.Max {
		return value
	}
	if value < c.Min {
		return c.Min
	}
	if value > c.Max {
		return c.Max
	}
	return value
}

func absDiff(a, b int32) int64 {
	d := int64(a) - int64(b)
	if d < 0 {
		return -d
	}
	return d
}

// FindControl は記述子一覧からIDに一致するコントロールを探す
func FindControl(controls []ControlDescriptor, id string) (ControlDescriptor, bool) {
	for _, c := range controls {
		if c.ID == id {
			return c, true
		}
	}
	return ControlDescriptor{}, false
}

// FormatDescriptor はキャプチャフォーマット
type FormatDescriptor struct {
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FPS         int    `json:"fps"`
	PixelFormat string `json:"pixelFormat"`
}

// Pixels は1フレームの画素数を返す
func (f FormatDescriptor) Pixels() int {
	return f.Width * f.Height
}

// SortFormats は画素数の降順、fpsの降順、ピクセルフォーマット名の昇順に並べる
func SortFormats(formats []FormatDescriptor) {
	sort.SliceStable(formats, func(i, j int) bool {
		a, b := formats[i], formats[j]
		if a.Pixels() != b.Pixels() {
			return a.Pixels() > b.Pixels()
		}
		if a.FPS != b.FPS {
			return a.FPS > b.FPS
		}
		return a.PixelFormat < b.PixelFormat
	})
}

// HotplugKind はホットプラグイベントの種類
type HotplugKind string

// HotplugKind の定数定義
const (
	HotplugConnected    HotplugKind = "connected"
	HotplugDisconnected HotplugKind = "disconnected"
)

// HotplugEvent はデバイスの接続/切断通知
// Disconnected の場合は Device.ID のみが意味を持つ
type HotplugEvent struct {
	Kind   HotplugKind
	Device DeviceDescriptor
}

// Connected は接続イベントを作成する
func Connected(d DeviceDescriptor) HotplugEvent {
	d.Connected = true
	return HotplugEvent{Kind: HotplugConnected, Device: d}
}

// Disconnected は切断イベントを作成する
func Disconnected(id DeviceID) HotplugEvent {
	return HotplugEvent{Kind: HotplugDisconnected, Device: DeviceDescriptor{ID: id}}
}

// DeviceID はイベント対象のデバイスIDを返す
func (e HotplugEvent) DeviceID() DeviceID {
	return e.Device.ID
}

type hotplugWire struct {
	Type      HotplugKind `json:"type"`
	ID        DeviceID    `json:"id"`
	Name      string      `json:"name,omitempty"`
	Path      string      `json:"path,omitempty"`
	Connected *bool       `json:"connected,omitempty"`
}

// MarshalJSON は {type, id, name?, path?, connected?} 形式に変換する
func (e HotplugEvent) MarshalJSON() ([]byte, error) {
	w := hotplugWire{Type: e.Kind, ID: e.Device.ID}
	if e.Kind == HotplugConnected {
		connected := e.Device.Connected
		w.Name = e.Device.Name
		w.Path = e.Device.Path
		w.Connected = &connected
	}
	return json.Marshal(w)
}

// UnmarshalJSON は MarshalJSON の逆変換
func (e *HotplugEvent) UnmarshalJSON(data []byte) error {
	var w hotplugWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Kind = w.Type
	e.Device = DeviceDescriptor{ID: w.ID, Name: w.Name, Path: w.Path}
	if w.Connected != nil {
		e.Device.Connected = *w.Connected
	}
	return nil
}

// HotplugFunc はホットプラグイベントを受け取るコールバック
type HotplugFunc func(HotplugEvent)

// Frame はバックエンドが生成したエンコード済みフレーム
type Frame struct {
	Data       []byte    // JPEGデータ
	Width      int       // 幅
	Height     int       // 高さ
	CapturedAt time.Time // バックエンドがフレームを受け取った時刻
}
