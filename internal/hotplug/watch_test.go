package hotplug

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mitsume/internal/camera"
	"mitsume/internal/state"
)

func startInjectOnly(t *testing.T) (*Dispatcher, *state.Store, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := state.NewStore(nil)
	go store.Run(ctx)

	d := NewDispatcher(nil, store, nil, nil, nil, nil)
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return d, store, cancel
}

func TestDispatcher_WatchKeepsBurst(t *testing.T) {
	d, _, _ := startInjectOnly(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := d.Watch(ctx)

	// 受信せずにキューとバッファを超える数を流す
	const n = 4 * queueSize
	for i := 0; i < n; i++ {
		d.Inject(camera.Connected(camera.DeviceDescriptor{ID: camera.DeviceID(fmt.Sprintf("dummy:%03d", i))}))
	}
	d.Inject(camera.Disconnected("dummy:000"))

	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			want := camera.DeviceID(fmt.Sprintf("dummy:%03d", i))
			if ev.Kind != camera.HotplugConnected || ev.DeviceID() != want {
				t.Fatalf("Event %d: expected connect of %s, got %+v", i, want, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out after %d of %d events", i, n)
		}
	}
	select {
	case ev := <-ch:
		if ev.Kind != camera.HotplugDisconnected || ev.DeviceID() != "dummy:000" {
			t.Errorf("Expected trailing disconnect, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for disconnect")
	}
}

func TestDispatcher_WatchClosesWithContext(t *testing.T) {
	d, _, _ := startInjectOnly(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Watch(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("Watch channel was not closed")
	}

	waitWatchers := time.Now().Add(time.Second)
	for {
		d.mu.Lock()
		n := len(d.watchers)
		d.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(waitWatchers) {
			t.Fatalf("Expected watcher to be removed, %d left", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcher_WatchDrainsAfterStop(t *testing.T) {
	d, store, stop := startInjectOnly(t)
	ch := d.Watch(context.Background())

	d.Inject(camera.Connected(camera.DeviceDescriptor{ID: "dummy:a"}))
	d.Inject(camera.Connected(camera.DeviceDescriptor{ID: "dummy:b"}))
	d.Inject(camera.Connected(camera.DeviceDescriptor{ID: "dummy:c"}))

	// c が一覧に入った時点で a と b は配送キューに入っている
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := store.Snapshot().Device("dummy:c"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for catalogue")
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()
	<-d.Done()

	var got []camera.DeviceID
	for ev := range ch {
		got = append(got, ev.DeviceID())
	}
	if len(got) < 2 || got[0] != "dummy:a" || got[1] != "dummy:b" {
		t.Errorf("Expected queued events before close, got %v", got)
	}
}
