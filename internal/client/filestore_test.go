package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	key := AutosaveKey(attemptID)
	if _, ok := s.Get(key); ok {
		t.Fatal("empty store returned a value")
	}
	if err := s.Set(key, `{"doc":"a"}`); err != nil {
		t.Fatal(err)
	}
	if v, ok := s.Get(key); !ok || v != `{"doc":"a"}` {
		t.Fatalf("Get = %q ok=%v", v, ok)
	}
	if err := s.Remove(key); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(key); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, ok := s.Get(key); ok {
		t.Fatal("value survived remove")
	}
}

func TestFileStoreReportsOtherProcessWrites(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewFileStore(dir, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	events := make(chan StorageEvent, 16)
	cancel, err := a.Watch(func(ev StorageEvent) { events <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	key := HeartbeatKey(attemptID)
	if err := a.Set(key, "1"); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(key, "2"); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Value == "1" {
				t.Fatal("own write reported")
			}
			if ev.Key != key || ev.Value != "2" {
				t.Fatalf("event %+v", ev)
			}
			return
		case <-deadline:
			t.Fatal("no event for the other store's write")
		}
	}
}

func TestFileStoreClosed(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if err := s.Set("k", "v"); err != ErrStorageClosed {
		t.Fatalf("Set after close: %v", err)
	}
	if _, err := s.Watch(func(StorageEvent) {}); err != ErrStorageClosed {
		t.Fatalf("Watch after close: %v", err)
	}
}
