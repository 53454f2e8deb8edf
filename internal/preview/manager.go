package preview

import (
	"sync"

	"mitsume/internal/camera"
)

// Manager はデバイスごとに動作中のブリッジを1つだけ保持する
type Manager struct {
	mu      sync.Mutex
	bridges map[camera.DeviceID]*Bridge
}

// NewManager は新しいManagerを作成する
func NewManager() *Manager {
	return &Manager{bridges: make(map[camera.DeviceID]*Bridge)}
}

// Start は同じデバイスの既存ループを止めてから b を開始する
func (m *Manager) Start(b *Bridge) {
	m.mu.Lock()
	prev := m.bridges[b.DeviceID()]
	m.bridges[b.DeviceID()] = b
	m.mu.Unlock()

	if prev != nil && prev != b {
		prev.Stop()
	}
	b.Start()
}

// Release は b が登録中なら停止して登録を外す
func (m *Manager) Release(b *Bridge) {
	m.mu.Lock()
	if cur, ok := m.bridges[b.DeviceID()]; ok && cur == b {
		delete(m.bridges, b.DeviceID())
	}
	m.mu.Unlock()
	b.Stop()
}

// Stop はデバイスのループを停止する
func (m *Manager) Stop(id camera.DeviceID) {
	m.mu.Lock()
	b := m.bridges[id]
	delete(m.bridges, id)
	m.mu.Unlock()

	if b != nil {
		b.Stop()
	}
}

// Active はデバイスのループが動作中かを返す
func (m *Manager) Active(id camera.DeviceID) bool {
	m.mu.Lock()
	b := m.bridges[id]
	m.mu.Unlock()
	return b != nil && b.Active()
}

// StopAll は全てのループを停止する
func (m *Manager) StopAll() {
	m.mu.Lock()
	bridges := m.bridges
	m.bridges = make(map[camera.DeviceID]*Bridge)
	m.mu.Unlock()

	for _, b := range bridges {
		b.Stop()
	}
}
