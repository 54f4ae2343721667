package credentials

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestNewPool_DropsEmptyAndDuplicates(t *testing.T) {
	p := NewPool([]string{"key-a", "", "  ", "key-b", "key-a"})

	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	keys := p.Keys()
	if keys[0] != "key-a" || keys[1] != "key-b" {
		t.Errorf("Keys() = %v, want [key-a key-b]", keys)
	}
}

func TestPool_EmptyPool(t *testing.T) {
	p := NewPool(nil)

	if _, ok := p.Current(); ok {
		t.Error("Current() on empty pool should report false")
	}
	if _, ok := p.NextAvailable(); ok {
		t.Error("NextAvailable() on empty pool should report false")
	}
	if p.HasAvailable() {
		t.Error("HasAvailable() on empty pool should be false")
	}
}

func TestPool_NextAvailable(t *testing.T) {
	tests := []struct {
		name      string
		exhausted []string
		wantKey   string
		wantOK    bool
	}{
		{name: "current is available", wantKey: "k1", wantOK: true},
		{name: "skip exhausted current", exhausted: []string{"k1"}, wantKey: "k2", wantOK: true},
		{name: "skip two", exhausted: []string{"k1", "k2"}, wantKey: "k3", wantOK: true},
		{name: "all exhausted", exhausted: []string{"k1", "k2", "k3"}, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool([]string{"k1", "k2", "k3"})
			for _, k := range tt.exhausted {
				p.MarkExhausted(k)
			}

			got, ok := p.NextAvailable()
			if ok != tt.wantOK {
				t.Fatalf("NextAvailable() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got.Key != tt.wantKey {
				t.Errorf("NextAvailable() = %s, want %s", got.Key, tt.wantKey)
			}
			if ok {
				cur, _ := p.Current()
				if cur.Key != tt.wantKey {
					t.Errorf("Current() after rotation = %s, want %s", cur.Key, tt.wantKey)
				}
			}
		})
	}
}

func TestPool_NextAvailableWraps(t *testing.T) {
	p := NewPool([]string{"k1", "k2", "k3"})
	p.MarkExhausted("k1")
	p.MarkExhausted("k2")
	if got, _ := p.NextAvailable(); got.Key != "k3" {
		t.Fatalf("NextAvailable() = %s, want k3", got.Key)
	}

	// A new period frees every key and rewinds to k1.
	p.ResetPeriod()
	if cur, _ := p.Current(); cur.Key != "k1" {
		t.Errorf("Current() after reset = %s, want k1", cur.Key)
	}

	p.MarkExhausted("k1")
	p.MarkExhausted("k2")
	p.MarkExhausted("k3")
	if _, ok := p.NextAvailable(); ok {
		t.Error("NextAvailable() should report false when all exhausted")
	}
	// Repeated calls stay false without side effects.
	if _, ok := p.NextAvailable(); ok {
		t.Error("NextAvailable() should stay false")
	}
}

func TestPool_MarkExhaustedIdempotent(t *testing.T) {
	p := NewPool([]string{"k1", "k2"})
	p.MarkExhausted("k1")
	p.MarkExhausted("k1")
	p.MarkExhausted("unknown")

	snap := p.Snapshot()
	if !snap[0].Exhausted || snap[1].Exhausted {
		t.Errorf("Snapshot() = %+v, want only k1 exhausted", snap)
	}
}

func TestPool_RecordUsageDoesNotRotate(t *testing.T) {
	p := NewPool([]string{"k1", "k2"})
	for i := 0; i < 100; i++ {
		p.RecordUsage("k1", 1)
	}

	cur, _ := p.Current()
	if cur.Key != "k1" {
		t.Errorf("Current() = %s, want k1", cur.Key)
	}
	if cur.Usage != 100 {
		t.Errorf("Usage = %d, want 100", cur.Usage)
	}
}

func TestPool_ResetPeriod(t *testing.T) {
	p := NewPool([]string{"k1", "k2"})
	p.RecordUsage("k1", 5)
	p.MarkExhausted("k1")
	p.NextAvailable()

	p.ResetPeriod()

	for _, c := range p.Snapshot() {
		if c.Exhausted || c.Usage != 0 {
			t.Errorf("credential %s = %+v, want cleared", c.Key, c)
		}
	}
	if cur, _ := p.Current(); cur.Key != "k1" {
		t.Errorf("Current() = %s, want k1", cur.Key)
	}
}

func TestPool_ConcurrentRotation(t *testing.T) {
	p := NewPool([]string{"k1", "k2", "k3", "k4"})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cur, _ := p.Current()
			p.MarkExhausted(cur.Key)
			p.NextAvailable()
			p.RecordUsage(cur.Key, 1)
		}()
	}
	wg.Wait()

	// Whatever the interleaving, the pool never points at an exhausted key
	// while a free one exists.
	if p.HasAvailable() {
		cur, _ := p.NextAvailable()
		if cur.Exhausted {
			t.Errorf("NextAvailable() returned exhausted credential %s", cur.Key)
		}
	}
}

type memMirror struct {
	keys    []string
	saveErr error
	saves   int
}

func (m *memMirror) Load(context.Context) ([]string, error) { return m.keys, nil }

func (m *memMirror) Save(_ context.Context, keys []string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.keys = append([]string(nil), keys...)
	return nil
}

func TestPool_AddRemove(t *testing.T) {
	ctx := context.Background()
	mirror := &memMirror{keys: []string{"k1"}}

	p, err := NewPoolFromMirror(ctx, mirror)
	if err != nil {
		t.Fatalf("NewPoolFromMirror() error = %v", err)
	}

	if err := p.Add(ctx, "k2"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := p.Add(ctx, "k2"); !errors.Is(err, ErrDuplicateCredential) {
		t.Errorf("Add() duplicate error = %v, want ErrDuplicateCredential", err)
	}
	if len(mirror.keys) != 2 {
		t.Errorf("mirror keys = %v, want 2 keys", mirror.keys)
	}

	if err := p.Remove(ctx, "nope"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("Remove() unknown error = %v, want ErrUnknownCredential", err)
	}
	if err := p.Remove(ctx, "k1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := p.Remove(ctx, "k2"); !errors.Is(err, ErrLastCredential) {
		t.Errorf("Remove() last error = %v, want ErrLastCredential", err)
	}
	if got := mirror.keys; len(got) != 1 || got[0] != "k2" {
		t.Errorf("mirror keys = %v, want [k2]", got)
	}
	if cur, _ := p.Current(); cur.Key != "k2" {
		t.Errorf("Current() = %s, want k2", cur.Key)
	}
}

func TestPool_AddRollsBackOnMirrorError(t *testing.T) {
	ctx := context.Background()
	mirror := &memMirror{keys: []string{"k1"}}
	p, _ := NewPoolFromMirror(ctx, mirror)

	mirror.saveErr = errors.New("disk full")
	if err := p.Add(ctx, "k2"); err == nil {
		t.Fatal("Add() should fail when the mirror fails")
	}
	if got := p.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestFileMirror_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "api_keys.json")
	m := FileMirror{Path: path}

	keys, err := m.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on missing file error = %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("Load() = %v, want empty", keys)
	}

	if err := m.Save(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	keys, err = m.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Load() = %v, want [a b]", keys)
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(ctx); err == nil {
		t.Error("Load() on corrupt file should fail")
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"AIzaSyExample1234", "...1234"},
		{"abc", "****"},
		{"", "****"},
	}
	for _, tt := range tests {
		if got := Fingerprint(tt.key); got != tt.want {
			t.Errorf("Fingerprint(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
