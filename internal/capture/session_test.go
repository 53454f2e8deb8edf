package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/jpeg"
	"sync"
	"testing"
	"time"

	"mitsume/internal/camera"
)

// fakeStream は手動でフレームを流すテスト用ストリーム
type fakeStream struct {
	frames chan camera.Frame
	once   sync.Once
	err    error
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan camera.Frame, 4)}
}

func (s *fakeStream) Frames() <-chan camera.Frame { return s.frames }
func (s *fakeStream) Err() error                  { return s.err }
func (s *fakeStream) Dropped() uint64             { return 0 }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.frames) })
	return nil
}

func (s *fakeStream) failWith(err error) {
	s.err = err
	s.Close()
}

// stuckStream は release されるまで Close が返らないストリーム
type stuckStream struct {
	frames  chan camera.Frame
	release chan struct{}
}

func (s *stuckStream) Frames() <-chan camera.Frame { return s.frames }
func (s *stuckStream) Err() error                  { return nil }
func (s *stuckStream) Dropped() uint64             { return 0 }

func (s *stuckStream) Close() error {
	<-s.release
	return nil
}

type streamStarter struct {
	stream camera.Stream
}

func (f *streamStarter) StartCapture(context.Context, camera.DeviceID, camera.FormatDescriptor) (camera.Stream, error) {
	return f.stream, nil
}

type fakeStarter struct {
	stream *fakeStream
	err    error
}

func (f *fakeStarter) StartCapture(context.Context, camera.DeviceID, camera.FormatDescriptor) (camera.Stream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dummyStarter() *camera.DummyBackend {
	b := camera.NewDummyBackend()
	b.SetFrameInterval(5 * time.Millisecond)
	return b
}

func TestSession_Lifecycle(t *testing.T) {
	opts := DefaultOptions()
	opts.ThumbnailInterval = 10 * time.Millisecond
	s := NewSession(camera.DummyDeviceID, camera.FormatDescriptor{Width: 320, Height: 240, FPS: 30}, dummyStarter(), opts, nil)

	if s.State() != StateIdle {
		t.Fatalf("Expected idle, got %s", s.State())
	}
	if _, err := s.Frame(); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Expected ErrNoFrame before start, got %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "running", func() bool { return s.State() == StateRunning })

	f, err := s.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if f.Seq == 0 || len(f.Data) == 0 {
		t.Errorf("Unexpected frame: seq=%d size=%d", f.Seq, len(f.Data))
	}

	waitFor(t, "thumbnail", func() bool { _, err := s.Thumbnail(); return err == nil })
	thumb, _ := s.Thumbnail()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(thumb))
	if err != nil {
		t.Fatalf("Thumbnail is not a valid image: %v", err)
	}
	if cfg.Width > 160 || cfg.Height > 120 {
		t.Errorf("Thumbnail too large: %dx%d", cfg.Width, cfg.Height)
	}

	d := s.Diagnostics()
	if d.State != StateRunning || d.FramesTotal == 0 || d.SessionID == "" {
		t.Errorf("Unexpected diagnostics: %+v", d)
	}

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took too long: %s", elapsed)
	}
	if s.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", s.State())
	}

	// 2回目の Stop は何もしない
	if err := s.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}

func TestSession_StopSharesDeadline(t *testing.T) {
	stream := &stuckStream{frames: make(chan camera.Frame), release: make(chan struct{})}
	defer close(stream.release)

	opts := DefaultOptions()
	opts.StopTimeout = 100 * time.Millisecond
	s := NewSession(camera.DummyDeviceID, camera.FormatDescriptor{}, &streamStarter{stream: stream}, opts, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	start := time.Now()
	err := s.Stop()
	elapsed := time.Since(start)
	if !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
	if elapsed > 2*opts.StopTimeout {
		t.Errorf("Stop exceeded its deadline: %s", elapsed)
	}
	if s.State() != StateStopped {
		t.Errorf("Expected stopped, got %s", s.State())
	}
}

func TestSession_StartupWatchdog(t *testing.T) {
	stream := newFakeStream()
	opts := DefaultOptions()
	opts.StartTimeout = 30 * time.Millisecond
	s := NewSession("dummy:x", camera.FormatDescriptor{}, &fakeStarter{stream: stream}, opts, nil)

	failed := make(chan error, 1)
	s.OnFailure(func(_ *Session, err error) { failed <- err })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, ErrStartTimeout) {
			t.Errorf("Expected ErrStartTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watchdog did not fire")
	}
	if s.State() != StateFailed {
		t.Errorf("Expected failed, got %s", s.State())
	}
}

func TestSession_StreamError(t *testing.T) {
	stream := newFakeStream()
	s := NewSession("dummy:x", camera.FormatDescriptor{}, &fakeStarter{stream: stream}, DefaultOptions(), nil)

	failed := make(chan error, 1)
	s.OnFailure(func(_ *Session, err error) { failed <- err })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	stream.frames <- camera.Frame{Data: []byte{1}, CapturedAt: time.Now()}
	waitFor(t, "running", func() bool { return s.State() == StateRunning })

	stream.failWith(errors.New("device unplugged"))

	select {
	case err := <-failed:
		if !errors.Is(err, camera.ErrCaptureUnavailable) {
			t.Errorf("Expected ErrCaptureUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected failure callback")
	}
	if d := s.Diagnostics(); d.Error == "" {
		t.Error("Expected error in diagnostics")
	}
}

func TestSession_StartError(t *testing.T) {
	s := NewSession("dummy:x", camera.FormatDescriptor{}, &fakeStarter{err: camera.ErrCaptureUnavailable}, DefaultOptions(), nil)

	if err := s.Start(context.Background()); !errors.Is(err, camera.ErrCaptureUnavailable) {
		t.Fatalf("Expected ErrCaptureUnavailable, got %v", err)
	}
	if s.State() != StateFailed {
		t.Errorf("Expected failed, got %s", s.State())
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Expected error when restarting a used session")
	}
}

func TestManager(t *testing.T) {
	m := NewManager(dummyStarter(), DefaultOptions(), nil)
	ctx := context.Background()
	format := camera.FormatDescriptor{Width: 320, Height: 240, FPS: 30}

	first, err := m.Start(ctx, camera.DummyDeviceID, format)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	second, err := m.Start(ctx, camera.DummyDeviceID, format)
	if err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	// 既存セッションは停止される
	if first.State() != StateStopped {
		t.Errorf("Expected first session stopped, got %s", first.State())
	}
	got, err := m.Get(camera.DummyDeviceID)
	if err != nil || got != second {
		t.Fatalf("Expected second session, got %v (%v)", got, err)
	}
	if len(m.Snapshots()) != 1 {
		t.Errorf("Expected 1 snapshot, got %d", len(m.Snapshots()))
	}

	if err := m.Stop(camera.DummyDeviceID); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := m.Stop(camera.DummyDeviceID); err != nil {
		t.Errorf("Stop should be idempotent: %v", err)
	}
	if _, err := m.Get(camera.DummyDeviceID); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}
}

func TestManager_FailureRemovesSession(t *testing.T) {
	stream := newFakeStream()
	opts := DefaultOptions()
	opts.StartTimeout = 20 * time.Millisecond
	m := NewManager(&fakeStarter{stream: stream}, opts, nil)

	failed := make(chan camera.DeviceID, 1)
	m.OnFailure(func(id camera.DeviceID, _ error) { failed <- id })

	if _, err := m.Start(context.Background(), "dummy:x", camera.FormatDescriptor{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case id := <-failed:
		if id != "dummy:x" {
			t.Errorf("Unexpected device: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected failure")
	}
	if _, err := m.Get("dummy:x"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected session removed, got %v", err)
	}
}
