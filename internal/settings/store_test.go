package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mitsume/internal/camera"
)

// recordingPersister は保存内容を記録する
// block が設定されていれば最初の Save はそれが閉じるまで戻らない
type recordingPersister struct {
	mu      sync.Mutex
	saves   []File
	times   []time.Time
	block   chan struct{}
	started chan struct{}
	err     error
}

func (p *recordingPersister) Load() (File, error) {
	return File{Cameras: map[camera.DeviceID]Record{}}, nil
}

func (p *recordingPersister) Save(f File) error {
	p.mu.Lock()
	block := p.block
	p.block = nil
	started := p.started
	p.mu.Unlock()

	if block != nil {
		close(started)
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saves = append(p.saves, f)
	p.times = append(p.times, time.Now())
	return nil
}

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func (p *recordingPersister) last() File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves[len(p.saves)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func runStore(t *testing.T, p Persister, opts Options) (*Store, context.CancelFunc, chan struct{}) {
	t.Helper()
	s := NewStore(p, opts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(cancel)
	return s, cancel, done
}

func TestStore_DebounceCoalescesWrites(t *testing.T) {
	p := &recordingPersister{}
	s, _, _ := runStore(t, p, Options{QuietPeriod: 100 * time.Millisecond, MaxDelay: time.Second})

	s.SetControl("dummy:a", "brightness", 100, "Cam")
	time.Sleep(80 * time.Millisecond)
	s.SetControl("dummy:a", "brightness", 120, "")

	waitFor(t, time.Second, func() bool { return p.count() > 0 })
	time.Sleep(200 * time.Millisecond)

	if n := p.count(); n != 1 {
		t.Fatalf("Expected exactly 1 flush, got %d", n)
	}
	rec := p.last().Cameras["dummy:a"]
	if rec.Controls["brightness"] != 120 || rec.DisplayName != "Cam" {
		t.Errorf("Unexpected record: %+v", rec)
	}
}

func TestStore_MaxDelayCapsDebounce(t *testing.T) {
	p := &recordingPersister{}
	s, _, _ := runStore(t, p, Options{QuietPeriod: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond})

	start := time.Now()
	stop := time.After(600 * time.Millisecond)
loop:
	for i := int32(0); ; i++ {
		select {
		case <-stop:
			break loop
		default:
		}
		s.SetControl("dummy:a", "brightness", i, "")
		time.Sleep(20 * time.Millisecond)
	}

	if p.count() == 0 {
		t.Fatal("Expected a flush while writes keep arriving")
	}
	p.mu.Lock()
	first := p.times[0]
	p.mu.Unlock()
	if elapsed := first.Sub(start); elapsed > 450*time.Millisecond {
		t.Errorf("Expected first flush near max delay, got %v", elapsed)
	}
}

func TestStore_WriteDuringFlushIsPersisted(t *testing.T) {
	p := &recordingPersister{block: make(chan struct{}), started: make(chan struct{})}
	started, release := p.started, p.block
	s, _, _ := runStore(t, p, Options{QuietPeriod: 30 * time.Millisecond, MaxDelay: 100 * time.Millisecond})

	s.SetControl("dummy:a", "brightness", 1, "Cam")
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Flush did not start")
	}

	s.SetControl("dummy:a", "contrast", 2, "")
	close(release)

	waitFor(t, time.Second, func() bool { return p.count() >= 2 })
	rec := p.last().Cameras["dummy:a"]
	if rec.Controls["brightness"] != 1 || rec.Controls["contrast"] != 2 {
		t.Errorf("Expected both writes persisted, got %+v", rec.Controls)
	}
}

func TestStore_FinalFlushOnShutdown(t *testing.T) {
	p := &recordingPersister{}
	s, cancel, done := runStore(t, p, Options{QuietPeriod: time.Hour, MaxDelay: time.Hour})

	s.SetControl("dummy:a", "gain", 7, "Cam")
	cancel()
	<-done

	if p.count() != 1 || p.last().Cameras["dummy:a"].Controls["gain"] != 7 {
		t.Errorf("Expected final flush with gain=7, got %d saves", p.count())
	}
}

func TestStore_SaveFailureReported(t *testing.T) {
	p := &recordingPersister{err: ErrPersistenceIO}
	s, _, _ := runStore(t, p, Options{QuietPeriod: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond})

	errs := make(chan error, 4)
	s.OnError(func(err error) { errs <- err })
	s.SetControl("dummy:a", "gain", 1, "")

	select {
	case err := <-errs:
		if !errors.Is(err, ErrPersistenceIO) {
			t.Errorf("Expected ErrPersistenceIO, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected error callback")
	}
	if _, failures := s.Stats(); failures != 1 {
		t.Errorf("Expected 1 failure, got %d", failures)
	}
}

func TestStore_GetAndReset(t *testing.T) {
	s := NewStore(&recordingPersister{}, DefaultOptions(), nil)

	if _, ok := s.Get("dummy:a"); ok {
		t.Fatal("Expected no record before first write")
	}
	s.SetControl("dummy:a", "brightness", 150, "Cam")
	s.SetControl("dummy:a", "contrast", 60, "")

	rec, ok := s.Get("dummy:a")
	if !ok || rec.DisplayName != "Cam" || len(rec.Controls) != 2 {
		t.Fatalf("Unexpected record: %+v", rec)
	}
	rec.Controls["brightness"] = 0
	if again, _ := s.Get("dummy:a"); again.Controls["brightness"] != 150 {
		t.Error("Expected Get to return a copy")
	}

	s.RemoveControl("dummy:a", "contrast")
	if rec, _ := s.Get("dummy:a"); len(rec.Controls) != 1 {
		t.Errorf("Expected contrast removed, got %+v", rec.Controls)
	}

	results := s.ResetAll("dummy:a", map[string]int32{"contrast": 32, "brightness": 128})
	if len(results) != 2 || results[0].ControlID != "brightness" || results[1].Value != 32 {
		t.Errorf("Unexpected reset results: %+v", results)
	}
	rec, ok = s.Get("dummy:a")
	if !ok || rec.DisplayName != "Cam" || len(rec.Controls) != 0 {
		t.Errorf("Expected record kept with no values, got %+v (ok=%v)", rec, ok)
	}
}

func TestFilePersister_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	p, err := NewFilePersister(path, nil)
	if err != nil {
		t.Fatalf("NewFilePersister failed: %v", err)
	}

	f, err := p.Load()
	if err != nil || len(f.Cameras) != 0 {
		t.Fatalf("Expected empty file, got %+v, %v", f, err)
	}

	f.Cameras["046d:085e:serial"] = Record{
		DisplayName: "Logitech BRIO",
		Controls:    map[string]int32{"brightness": 150, "contrast": 60},
	}
	if err := p.Save(f); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := p.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	rec := loaded.Cameras["046d:085e:serial"]
	if rec.DisplayName != "Logitech BRIO" || rec.Controls["brightness"] != 150 || rec.Controls["contrast"] != 60 {
		t.Errorf("Unexpected record after reload: %+v", rec)
	}

	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "\n  \"cameras\"") || !strings.Contains(string(raw), `"displayName"`) {
		t.Errorf("Expected pretty-printed file, got %s", raw)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Temporary file left behind: %s", e.Name())
		}
	}
}

func TestFilePersister_CorruptFileBackedUp(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid json", content: "not valid json!!!"},
		{name: "schema violation", content: `{"cameras": {"a": {"controls": {"brightness": "high"}}}}`},
		{name: "missing cameras", content: `{"devices": {}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), FileName)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			p, err := NewFilePersister(path, nil)
			if err != nil {
				t.Fatal(err)
			}

			f, err := p.Load()
			if !errors.Is(err, ErrCorruptFile) {
				t.Fatalf("Expected ErrCorruptFile, got %v", err)
			}
			if len(f.Cameras) != 0 {
				t.Errorf("Expected empty settings, got %+v", f)
			}
			backup, err := os.ReadFile(path + ".bak")
			if err != nil || string(backup) != tt.content {
				t.Errorf("Expected original content in backup, got %q (%v)", backup, err)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Error("Expected corrupt file moved away")
			}
		})
	}
}

func TestStore_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `{"cameras":{"dummy:a":{"displayName":"Pre-existing","controls":{"brightness":200}}}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := NewFilePersister(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	s := NewStore(p, DefaultOptions(), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	rec, ok := s.Get("dummy:a")
	if !ok || rec.DisplayName != "Pre-existing" || rec.Controls["brightness"] != 200 {
		t.Errorf("Unexpected record: %+v", rec)
	}
	if ids := rec.ControlIDs(); len(ids) != 1 || ids[0] != "brightness" {
		t.Errorf("Unexpected control ids: %v", ids)
	}
}
