package camera

import (
	"errors"
	"fmt"
)

// CanonHandle はSDKが払い出すカメラハンドル
type CanonHandle uint32

// CanonProperty はSDKのプロパティID
type CanonProperty uint32

// 使用するプロパティID (EDSDKの定義値)
const (
	CanonPropISO                  CanonProperty = 0x00000402
	CanonPropAperture             CanonProperty = 0x00000405
	CanonPropShutterSpeed         CanonProperty = 0x00000406
	CanonPropExposureCompensation CanonProperty = 0x00000407
	CanonPropWhiteBalance         CanonProperty = 0x00000106
)

// CanonDeviceInfo はカメラの識別情報
type CanonDeviceInfo struct {
	Model  string
	Serial string
}

// ErrCanonNotReady はライブビューの画像がまだ用意できていないことを表す
// (一時的な状態でありフレーム欠落として扱う)
var ErrCanonNotReady = errors.New("ライブビュー画像の準備ができていません")

// CanonSDK はテザー接続カメラのSDK呼び出しを抽象化する
//
// 実機のSDKはスレッド親和性を持つため、CanonBackend は全ての呼び出しを
// OSスレッドに固定した単一のゴルーチンから行う。
type CanonSDK interface {
	CameraList() ([]CanonHandle, error)
	DeviceInfo(h CanonHandle) (CanonDeviceInfo, error)
	Property(h CanonHandle, prop CanonProperty) (int32, error)
	PropertyOptions(h CanonHandle, prop CanonProperty) ([]int32, error)
	SetProperty(h CanonHandle, prop CanonProperty, value int32) error
	StartLiveView(h CanonHandle) error
	DownloadLiveView(h CanonHandle) ([]byte, error)
	StopLiveView(h CanonHandle) error
}

// canonMapping はSDKプロパティと論理コントロールの対応
type canonMapping struct {
	Prop CanonProperty
	ID   string
	Name string
	Type ControlType
}

var canonMappings = []canonMapping{
	{Prop: CanonPropISO, ID: "canon_iso", Name: "ISO", Type: ControlSelect},
	{Prop: CanonPropAperture, ID: "canon_aperture", Name: "Aperture", Type: ControlSelect},
	{Prop: CanonPropShutterSpeed, ID: "canon_shutter_speed", Name: "Shutter Speed", Type: ControlSelect},
	{Prop: CanonPropWhiteBalance, ID: "canon_white_balance", Name: "White Balance", Type: ControlSelect},
	{Prop: CanonPropExposureCompensation, ID: "canon_exposure_compensation", Name: "Exposure Compensation", Type: ControlSlider},
}

func canonMappingFor(controlID string) (canonMapping, bool) {
	for _, m := range canonMappings {
		if m.ID == controlID {
			return m, true
		}
	}
	return canonMapping{}, false
}

var (
	canonISOLabels = map[int32]string{
		0x00: "Auto", 0x48: "100", 0x4b: "125", 0x4d: "160", 0x50: "200", 0x53: "250",
		0x55: "320", 0x58: "400", 0x5b: "500", 0x5d: "640", 0x60: "800", 0x63: "1000",
		0x65: "1250", 0x68: "1600", 0x6b: "2000", 0x6d: "2500", 0x70: "3200", 0x78: "6400",
		0x80: "12800",
	}
	canonApertureLabels = map[int32]string{
		0x10: "f/1.4", 0x13: "f/1.8", 0x15: "f/2", 0x18: "f/2.8", 0x1b: "f/3.5",
		0x1d: "f/4", 0x20: "f/4.5", 0x23: "f/5.6", 0x25: "f/6.3", 0x28: "f/8",
		0x2b: "f/9", 0x2d: "f/10", 0x30: "f/11", 0x35: "f/16", 0x38: "f/22",
	}
	canonShutterLabels = map[int32]string{
		0x0c: "Bulb", 0x10: "30\"", 0x18: "15\"", 0x20: "8\"", 0x28: "4\"", 0x30: "2\"",
		0x38: "1\"", 0x40: "1/2", 0x48: "1/4", 0x50: "1/8", 0x58: "1/15", 0x60: "1/30",
		0x68: "1/60", 0x70: "1/125", 0x78: "1/250", 0x80: "1/500", 0x88: "1/1000",
		0x90: "1/2000", 0x98: "1/4000",
	}
	canonWhiteBalanceLabels = map[int32]string{
		0: "Auto", 1: "Daylight", 2: "Cloudy", 3: "Tungsten", 4: "Fluorescent",
		5: "Flash", 6: "Manual", 8: "Shade", 9: "Color Temperature",
	}
)

// canonLabel はSDKの内部値を表示用の文字列に変換する
func canonLabel(prop CanonProperty, value int32) string {
	var table map[int32]string
	switch prop {
	case CanonPropISO:
		table = canonISOLabels
	case CanonPropAperture:
		table = canonApertureLabels
	case CanonPropShutterSpeed:
		table = canonShutterLabels
	case CanonPropWhiteBalance:
		table = canonWhiteBalanceLabels
	}
	if label, ok := table[value]; ok {
		return label
	}
	return fmt.Sprintf("0x%02x", value)
}
