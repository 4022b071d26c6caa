package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newDir(t *testing.T, ceiling int) *Dir {
	t.Helper()
	d, err := New(Options{
		Path:         filepath.Join(t.TempDir(), "locks"),
		Ceiling:      ceiling,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestKey(t *testing.T) {
	k := Key("https://example.org/img/0001.jpg")
	if len(k) != 32 {
		t.Fatalf("expected 32 hex chars, got %q", k)
	}
	if k != Key("https://example.org/img/0001.jpg") {
		t.Error("Key is not deterministic")
	}
	if k == Key("https://example.org/img/0002.jpg") {
		t.Error("different locators produced the same key")
	}
}

func TestTryAcquire_BusyIsImmediate(t *testing.T) {
	d := newDir(t, 2)
	key := Key("image-a")

	tok, err := d.TryAcquire(context.Background(), key, Info{Engine: "tesseract"})
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer d.Release(tok)

	start := time.Now()
	_, err = d.TryAcquire(context.Background(), key, Info{})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("busy check waited instead of returning immediately")
	}
}

func TestTryAcquire_InvalidKey(t *testing.T) {
	d := newDir(t, 1)
	for _, key := range []string{"", "../etc", "ABC", "x y"} {
		if _, err := d.TryAcquire(context.Background(), key, Info{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestRelease(t *testing.T) {
	d := newDir(t, 1)
	key := Key("image-a")

	tok, err := d.TryAcquire(context.Background(), key, Info{})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !d.Held(key) {
		t.Fatal("expected key to be held")
	}
	if err := d.Release(tok); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if d.Held(key) {
		t.Error("key still held after release")
	}
	// Releasing twice is harmless.
	if err := d.Release(tok); err != nil {
		t.Errorf("second release failed: %v", err)
	}

	tok, err = d.TryAcquire(context.Background(), key, Info{})
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	d.Release(tok)
}

func TestTryAcquire_WaitsForSlot(t *testing.T) {
	d := newDir(t, 1)

	first, err := d.TryAcquire(context.Background(), Key("a"), Info{})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		tok, err := d.TryAcquire(context.Background(), Key("b"), Info{})
		if err == nil {
			d.Release(tok)
		}
		got <- err
	}()

	select {
	case err := <-got:
		t.Fatalf("second acquire returned before a slot was free: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	d.Release(first)
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("second acquire failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire never got the freed slot")
	}
}

func TestTryAcquire_ContextCancel(t *testing.T) {
	d := newDir(t, 1)
	tok, err := d.TryAcquire(context.Background(), Key("a"), Info{})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer d.Release(tok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := d.TryAcquire(ctx, Key("b"), Info{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if d.Held(Key("b")) {
		t.Error("cancelled acquire left a key file behind")
	}
}

func TestTryAcquire_KeyTakenWhileWaiting(t *testing.T) {
	d := newDir(t, 1)
	first, err := d.TryAcquire(context.Background(), Key("a"), Info{})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer d.Release(first)

	got := make(chan error, 1)
	go func() {
		_, err := d.TryAcquire(context.Background(), Key("b"), Info{})
		got <- err
	}()

	// Another process grabs key b directly.
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(d.keyPath(Key("b")), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-got:
		if !errors.Is(err, ErrBusy) {
			t.Errorf("expected ErrBusy, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting acquire did not notice the key was taken")
	}
}

// Many goroutines race for the same key and for a small ceiling. At no
// point may two holders share a key or more than ceiling locks exist.
func TestTryAcquire_Concurrent(t *testing.T) {
	const ceiling = 3
	d := newDir(t, ceiling)

	var (
		live     int32
		maxLive  int32
		perKey   [4]int32
		violated atomic.Bool
		wg       sync.WaitGroup
	)

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := i % len(perKey)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			tok, err := d.TryAcquire(ctx, Key(string(rune('a'+k))), Info{Page: i})
			if errors.Is(err, ErrBusy) {
				return
			}
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}

			if atomic.AddInt32(&perKey[k], 1) > 1 {
				violated.Store(true)
			}
			n := atomic.AddInt32(&live, 1)
			for {
				m := atomic.LoadInt32(&maxLive)
				if n <= m || atomic.CompareAndSwapInt32(&maxLive, m, n) {
					break
				}
			}
			if c, _ := d.Count(); c > ceiling {
				violated.Store(true)
			}

			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&live, -1)
			atomic.AddInt32(&perKey[k], -1)
			if err := d.Release(tok); err != nil {
				t.Errorf("release failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if violated.Load() {
		t.Error("a key had two holders or the ceiling was exceeded")
	}
	if maxLive > ceiling {
		t.Errorf("max live holders %d exceeds ceiling %d", maxLive, ceiling)
	}
	if c, _ := d.Count(); c != 0 {
		t.Errorf("expected no locks left, got %d", c)
	}
}

func TestListAndClear(t *testing.T) {
	d := newDir(t, 2)
	tok, err := d.TryAcquire(context.Background(), Key("a"), Info{Engine: "tesseract", Document: "doc", Page: 3})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	locks, err := d.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(locks) != 1 {
		t.Fatalf("expected 1 lock, got %d", len(locks))
	}
	l := locks[0]
	if l.Key != tok.Key || l.Engine != "tesseract" || l.Page != 3 || l.PID != os.Getpid() {
		t.Errorf("unexpected lock info: %+v", l)
	}
	if l.Alive == nil || !*l.Alive {
		t.Error("expected own lock to be reported alive")
	}

	// Simulate a job that died: the operator clears its lock.
	if err := d.Clear(tok.Key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if d.Held(tok.Key) {
		t.Error("key still held after Clear")
	}
	if _, err := os.Stat(d.slotPath(tok.Slot)); !os.IsNotExist(err) {
		t.Error("slot still taken after Clear")
	}
	if err := d.Clear(tok.Key); err != nil {
		t.Errorf("clearing an absent lock failed: %v", err)
	}
}

func TestClear_RemovesWorkingFiles(t *testing.T) {
	d := newDir(t, 1)
	marker := filepath.Join(t.TempDir(), "log1_1-abcd.xml")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := d.TryAcquire(context.Background(), Key("a"), Info{Files: []string{marker, marker + ".missing"}})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if err := d.Clear(tok.Key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("working file survived Clear")
	}
}

func TestClearAll(t *testing.T) {
	d := newDir(t, 3)
	for _, k := range []string{"a", "b"} {
		if _, err := d.TryAcquire(context.Background(), Key(k), Info{}); err != nil {
			t.Fatalf("acquire failed: %v", err)
		}
	}
	n, err := d.ClearAll()
	if err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	entries, _ := os.ReadDir(d.Path())
	if len(entries) != 0 {
		t.Errorf("expected empty lock directory, got %d entries", len(entries))
	}
}
