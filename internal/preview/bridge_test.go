package preview

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"mitsume/internal/camera"
)

// manualScheduler はテストから明示的にコールバックを発火させるスケジューラ
type manualScheduler struct {
	mu        sync.Mutex
	next      func()
	seq       int
	requested []func()
}

func (s *manualScheduler) RequestFrame(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	seq := s.seq
	s.next = fn
	s.requested = append(s.requested, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.seq == seq {
			s.next = nil
		}
	}
}

// fire は予約中のコールバックを実行する。予約がなければ false
func (s *manualScheduler) fire() bool {
	s.mu.Lock()
	fn := s.next
	s.next = nil
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn()
	return true
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// countingDecoder は生存中のハンドル数を数える
type countingDecoder struct {
	mu      sync.Mutex
	live    int
	maxLive int
}

type countingHandle struct {
	d        *countingDecoder
	released bool
}

func (h *countingHandle) Width() int    { return 1 }
func (h *countingHandle) Height() int   { return 1 }
func (h *countingHandle) Bytes() []byte { return nil }

func (h *countingHandle) Release() {
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if !h.released {
		h.released = true
		h.d.live--
	}
}

func (d *countingDecoder) Decode([]byte) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	return &countingHandle{d: d}, nil
}

func (d *countingDecoder) counts() (live, maxLive int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live, d.maxLive
}

type bridgeFixture struct {
	bridge  *Bridge
	sched   *manualScheduler
	clock   *testClock
	decoder *countingDecoder
	start   time.Time

	mu     sync.Mutex
	fail   bool
	fatals []string
}

func newBridgeFixture() *bridgeFixture {
	f := &bridgeFixture{
		sched:   &manualScheduler{},
		clock:   &testClock{},
		decoder: &countingDecoder{},
		start:   time.Unix(1000, 0),
		fail:    true,
	}
	f.clock.set(f.start)

	fetch := func(context.Context, camera.DeviceID) ([]byte, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.fail {
			return nil, errors.New("no frame")
		}
		return []byte{0xFF, 0xD8}, nil
	}
	present := func(Handle) error { return nil }

	f.bridge = NewBridge("dummy:x", fetch, f.decoder, present, f.sched, DefaultOptions(), nil)
	f.bridge.now = f.clock.now
	f.bridge.OnFatal(func(_ camera.DeviceID, msg string) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.fatals = append(f.fatals, msg)
	})
	return f
}

func (f *bridgeFixture) setFailing(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *bridgeFixture) fatalCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fatals)
}

func TestBridge_GracePeriod(t *testing.T) {
	f := newBridgeFixture()
	f.bridge.Start()

	// 開始から4.9秒の間に200回失敗しても数えない
	for i := 0; i < 200; i++ {
		f.clock.set(f.start.Add(time.Duration(i) * 4900 * time.Millisecond / 200))
		if !f.sched.fire() {
			t.Fatalf("Loop stopped unexpectedly at iteration %d", i)
		}
	}

	if f.bridge.Failures() != 0 {
		t.Errorf("Expected 0 counted failures, got %d", f.bridge.Failures())
	}
	if !f.bridge.Active() {
		t.Error("Expected loop to be active")
	}
	if f.fatalCount() != 0 {
		t.Errorf("Expected no fatal, got %d", f.fatalCount())
	}
}

func TestBridge_FailureBudget(t *testing.T) {
	f := newBridgeFixture()
	f.bridge.Start()
	f.clock.set(f.start.Add(5 * time.Second))

	for i := 0; i < 149; i++ {
		f.sched.fire()
	}
	if !f.bridge.Active() || f.fatalCount() != 0 {
		t.Fatalf("Expected loop alive after 149 failures")
	}

	f.sched.fire()
	if f.bridge.Active() {
		t.Error("Expected loop stopped after 150 failures")
	}
	if f.fatalCount() != 1 {
		t.Fatalf("Expected exactly 1 fatal, got %d", f.fatalCount())
	}

	// 停止後は何も予約されていない
	if f.sched.fire() {
		t.Error("Expected no pending callback after stop")
	}
	if f.fatalCount() != 1 {
		t.Errorf("Expected fatal to be emitted once, got %d", f.fatalCount())
	}
}

func TestBridge_SuccessResetsFailures(t *testing.T) {
	f := newBridgeFixture()
	f.bridge.Start()
	f.clock.set(f.start.Add(6 * time.Second))

	for i := 0; i < 100; i++ {
		f.sched.fire()
	}
	f.setFailing(false)
	f.sched.fire()
	if f.bridge.Failures() != 0 {
		t.Fatalf("Expected failures reset, got %d", f.bridge.Failures())
	}

	f.setFailing(true)
	for i := 0; i < 100; i++ {
		f.sched.fire()
	}
	if !f.bridge.Active() || f.fatalCount() != 0 {
		t.Error("Expected loop alive after reset")
	}
}

func TestBridge_DoubleStart(t *testing.T) {
	f := newBridgeFixture()
	f.setFailing(false)

	f.bridge.Start()
	f.sched.fire()
	f.sched.fire()

	if live, _ := f.decoder.counts(); live != 1 {
		t.Fatalf("Expected 1 live handle, got %d", live)
	}

	f.bridge.Start()
	if live, _ := f.decoder.counts(); live != 0 {
		t.Errorf("Expected restart to release handle, got %d live", live)
	}

	// 古いループのコールバックは何もしない
	f.sched.mu.Lock()
	stale := append([]func(){}, f.sched.requested[:len(f.sched.requested)-1]...)
	f.sched.mu.Unlock()
	for _, fn := range stale {
		fn()
	}
	if live, _ := f.decoder.counts(); live != 0 {
		t.Errorf("Expected stale callbacks to be ignored, got %d live", live)
	}

	for i := 0; i < 10; i++ {
		f.sched.fire()
	}
	live, maxLive := f.decoder.counts()
	if live != 1 || maxLive != 1 {
		t.Errorf("Expected at most 1 live handle, got live=%d max=%d", live, maxLive)
	}

	f.bridge.Stop()
	if live, _ := f.decoder.counts(); live != 0 {
		t.Errorf("Expected Stop to release handle, got %d live", live)
	}
}

func TestBridge_PresentErrorStops(t *testing.T) {
	sched := &manualScheduler{}
	fetch := func(context.Context, camera.DeviceID) ([]byte, error) { return []byte{1}, nil }
	present := func(Handle) error { return errors.New("closed") }

	b := NewBridge("dummy:x", fetch, &countingDecoder{}, present, sched, DefaultOptions(), nil)
	b.Start()
	sched.fire()

	if b.Active() {
		t.Error("Expected loop to stop when presenter fails")
	}
}

func TestManager_RestartReplaces(t *testing.T) {
	m := NewManager()
	first := newBridgeFixture()
	second := newBridgeFixture()

	m.Start(first.bridge)
	m.Start(second.bridge)

	if first.bridge.Active() {
		t.Error("Expected first loop stopped")
	}
	if !m.Active("dummy:x") {
		t.Error("Expected second loop active")
	}

	m.Release(first.bridge)
	if !m.Active("dummy:x") {
		t.Error("Releasing a replaced bridge must not stop the current one")
	}

	m.StopAll()
	if second.bridge.Active() {
		t.Error("Expected all loops stopped")
	}
}

func TestAckScheduler(t *testing.T) {
	s := NewAckScheduler(5 * time.Millisecond)
	calls := make(chan int, 4)

	s.RequestFrame(func() { calls <- 1 })
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("Expected first request to run after the retry interval")
	}

	s.Delivered()
	s.RequestFrame(func() { calls <- 2 })
	select {
	case <-calls:
		t.Fatal("Expected second request to wait for ack")
	case <-time.After(30 * time.Millisecond):
	}

	s.Ack()
	select {
	case v := <-calls:
		if v != 2 {
			t.Errorf("Expected callback 2, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected callback after ack")
	}

	s.Delivered()
	cancel := s.RequestFrame(func() { calls <- 3 })
	cancel()
	s.Ack()
	select {
	case <-calls:
		t.Fatal("Expected cancelled request not to run")
	case <-time.After(30 * time.Millisecond):
	}

	// 確認待ちでなければ送信失敗後も再要求される
	cancel = s.RequestFrame(func() { calls <- 4 })
	cancel()
	select {
	case <-calls:
		t.Fatal("Expected cancelled retry not to run")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestJPEGDecoder(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}

	d := NewJPEGDecoder()
	h, err := d.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.Width() != 32 || h.Height() != 24 {
		t.Errorf("Unexpected size %dx%d", h.Width(), h.Height())
	}
	if !bytes.Equal(h.Bytes(), buf.Bytes()) {
		t.Error("Expected handle to hold frame bytes")
	}
	h.Release()
	h.Release()

	if _, err := d.Decode([]byte("not a jpeg")); err == nil {
		t.Error("Expected error for invalid data")
	}
}
