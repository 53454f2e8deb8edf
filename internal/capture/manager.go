package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"mitsume/internal/camera"
)

// FailureHandler はセッションの異常終了を受け取る
type FailureHandler func(deviceID camera.DeviceID, err error)

// Manager はデバイスごとに最大1つのセッションを管理する
type Manager struct {
	starter Starter
	opts    Options
	logger  *slog.Logger

	// opMu は Start/Stop を直列化する
	opMu sync.Mutex

	mu        sync.RWMutex
	sessions  map[camera.DeviceID]*Session
	onFailure FailureHandler
}

// NewManager は新しいManagerを作成する
func NewManager(starter Starter, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		starter:  starter,
		opts:     opts,
		logger:   logger,
		sessions: make(map[camera.DeviceID]*Session),
	}
}

// OnFailure は異常終了時のハンドラを登録する
func (m *Manager) OnFailure(fn FailureHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailure = fn
}

// Start はセッションを開始する。既存のセッションは先に停止する
func (m *Manager) Start(ctx context.Context, id camera.DeviceID, format camera.FormatDescriptor) (*Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	prev := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Stop(); err != nil {
			m.logger.Warn("既存セッションの停止に失敗しました", "device", id, "error", err)
		}
	}

	s := NewSession(id, format, m.starter, m.opts, m.logger)
	s.OnFailure(m.sessionFailed)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) sessionFailed(s *Session, err error) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.DeviceID()]; ok && cur == s {
		delete(m.sessions, s.DeviceID())
	}
	fn := m.onFailure
	m.mu.Unlock()

	if fn != nil {
		fn(s.DeviceID(), err)
	}
}

// Stop はセッションを停止する。セッションがなければ何もしない
func (m *Manager) Stop(id camera.DeviceID) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	s := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if s == nil {
		return nil
	}
	if err := s.Stop(); err != nil {
		return fmt.Errorf("デバイス %s のキャプチャ停止に失敗: %w", id, err)
	}
	return nil
}

// Get はデバイスのセッションを返す
func (m *Manager) Get(id camera.DeviceID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return s, nil
}

// StopAll は全セッションを停止する
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]camera.DeviceID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			m.logger.Warn("キャプチャの停止に失敗しました", "device", id, "error", err)
		}
	}
}

// Snapshots は全セッションの診断情報をデバイスID順に返す
func (m *Manager) Snapshots() []Diagnostics {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Diagnostics, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Diagnostics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
