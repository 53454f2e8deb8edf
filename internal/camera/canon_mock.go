package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
)

// MockCanonSDK はテスト・開発用のSDK実装
// 実機がなくても CanonBackend の動作を確認できる
type MockCanonSDK struct {
	mu         sync.Mutex
	cameras    map[CanonHandle]*mockCanonCamera
	nextHandle CanonHandle

	shouldFailList        bool
	shouldFailSetProperty bool
	liveViewFailures      int
}

type mockCanonCamera struct {
	info     CanonDeviceInfo
	props    map[CanonProperty]int32
	liveView bool
	frame    []byte
}

var mockCanonOptions = map[CanonProperty][]int32{
	CanonPropISO:          {0x00, 0x48, 0x50, 0x58, 0x60, 0x68},
	CanonPropAperture:     {0x18, 0x1d, 0x23, 0x28, 0x30},
	CanonPropShutterSpeed: {0x60, 0x68, 0x70, 0x78, 0x80},
	CanonPropWhiteBalance: {0, 1, 2, 3, 4},
}

// NewMockCanonSDK は新しいMockCanonSDKを作成する
func NewMockCanonSDK() *MockCanonSDK {
	return &MockCanonSDK{
		cameras:    make(map[CanonHandle]*mockCanonCamera),
		nextHandle: 1,
	}
}

// AddCamera はカメラを接続状態にしてハンドルを返す
func (m *MockCanonSDK) AddCamera(info CanonDeviceInfo) CanonHandle {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.nextHandle
	m.nextHandle++
	m.cameras[h] = &mockCanonCamera{
		info: info,
		props: map[CanonProperty]int32{
			CanonPropISO:                  0x00,
			CanonPropAperture:             0x23,
			CanonPropShutterSpeed:         0x68,
			CanonPropWhiteBalance:         0,
			CanonPropExposureCompensation: 0,
		},
	}
	return h
}

// RemoveCamera はカメラを切断する
func (m *MockCanonSDK) RemoveCamera(h CanonHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cameras, h)
}

// SetShouldFailList はカメラ一覧の取得を失敗させるかを設定する
func (m *MockCanonSDK) SetShouldFailList(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailList = fail
}

// SetShouldFailSetProperty はプロパティ設定を失敗させるかを設定する
func (m *MockCanonSDK) SetShouldFailSetProperty(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailSetProperty = fail
}

// SetLiveViewFailures は以降 n 回のライブビュー取得を失敗させる
func (m *MockCanonSDK) SetLiveViewFailures(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveViewFailures = n
}

// LiveViewActive はライブビュー中かを返す
func (m *MockCanonSDK) LiveViewActive(h CanonHandle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cameras[h]
	return ok && c.liveView
}

func (m *MockCanonSDK) camera(h CanonHandle) (*mockCanonCamera, error) {
	c, ok := m.cameras[h]
	if !ok {
		return nil, fmt.Errorf("ハンドル %d のカメラは切断されています", h)
	}
	return c, nil
}

// CameraList は接続中のハンドル一覧を返す
func (m *MockCanonSDK) CameraList() ([]CanonHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFailList {
		return nil, errors.New("カメラ一覧の取得に失敗しました")
	}
	handles := make([]CanonHandle, 0, len(m.cameras))
	for h := CanonHandle(1); h < m.nextHandle; h++ {
		if _, ok := m.cameras[h]; ok {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// DeviceInfo はカメラ情報を返す
func (m *MockCanonSDK) DeviceInfo(h CanonHandle) (CanonDeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.camera(h)
	if err != nil {
		return CanonDeviceInfo{}, err
	}
	return c.info, nil
}

// Property はプロパティ値を返す
func (m *MockCanonSDK) Property(h CanonHandle, prop CanonProperty) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.camera(h)
	if err != nil {
		return 0, err
	}
	v, ok := c.props[prop]
	if !ok {
		return 0, fmt.Errorf("プロパティ 0x%x は未対応です", prop)
	}
	return v, nil
}

// PropertyOptions は選択肢を返す
func (m *MockCanonSDK) PropertyOptions(h CanonHandle, prop CanonProperty) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.camera(h); err != nil {
		return nil, err
	}
	return append([]int32(nil), mockCanonOptions[prop]...), nil
}

// SetProperty はプロパティ値を設定する
func (m *MockCanonSDK) SetProperty(h CanonHandle, prop CanonProperty, value int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.camera(h)
	if err != nil {
		return err
	}
	if m.shouldFailSetProperty {
		return errors.New("カメラがビジー状態です")
	}
	c.props[prop] = value
	return nil
}

// StartLiveView はライブビューを開始する
func (m *MockCanonSDK) StartLiveView(h CanonHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.camera(h)
	if err != nil {
		return err
	}
	if c.frame == nil {
		frame, err := renderLiveViewFrame()
		if err != nil {
			return err
		}
		c.frame = frame
	}
	c.liveView = true
	return nil
}

// DownloadLiveView はライブビュー画像を返す
func (m *MockCanonSDK) DownloadLiveView(h CanonHandle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.camera(h)
	if err != nil {
		return nil, err
	}
	if !c.liveView {
		return nil, ErrCanonNotReady
	}
	if m.liveViewFailures > 0 {
		m.liveViewFailures--
		return nil, errors.New("ライブビュー画像の転送に失敗しました")
	}
	return c.frame, nil
}

// StopLiveView はライブビューを停止する
func (m *MockCanonSDK) StopLiveView(h CanonHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.camera(h)
	if err != nil {
		return err
	}
	c.liveView = false
	return nil
}

func renderLiveViewFrame() ([]byte, error) {
	img := imaging.New(960, 640, color.NRGBA{R: 80, G: 80, B: 80, A: 255})
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(70)); err != nil {
		return nil, fmt.Errorf("ライブビュー画像の生成に失敗: %w", err)
	}
	return buf.Bytes(), nil
}
