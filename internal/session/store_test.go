package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tableforge/arbiter/internal/providers"
)

func TestGetOrCreateTripleReuse(t *testing.T) {
	s := NewStore(time.Hour, nil)

	id1 := s.GetOrCreate("client-a", "openai", "gpt-4o", "")
	if id1 == "" {
		t.Fatal("empty session id")
	}

	// Same triple, no requested id: reuse.
	id2 := s.GetOrCreate("client-a", "openai", "gpt-4o", "")
	if id2 != id1 {
		t.Errorf("same triple created new session: %s vs %s", id2, id1)
	}

	// Different model: new session.
	id3 := s.GetOrCreate("client-a", "openai", "gpt-4o-mini", "")
	if id3 == id1 {
		t.Error("different model reused session")
	}

	// Different client: new session.
	id4 := s.GetOrCreate("client-b", "openai", "gpt-4o", "")
	if id4 == id1 {
		t.Error("different client reused session")
	}

	if s.Count() != 3 {
		t.Errorf("Count() = %d, want 3", s.Count())
	}
}

func TestGetOrCreateRequestedID(t *testing.T) {
	s := NewStore(time.Hour, nil)

	id := s.GetOrCreate("client-a", "openai", "gpt-4o", "")

	// Valid requested id is honoured even across a provider switch.
	got := s.GetOrCreate("client-a", "anthropic", "claude-sonnet-4-5", id)
	if got != id {
		t.Errorf("requested id not honoured: %s vs %s", got, id)
	}

	// A requested id belonging to another client is ignored.
	got = s.GetOrCreate("client-b", "openai", "gpt-4o", id)
	if got == id {
		t.Error("foreign session id was honoured")
	}

	// An unknown requested id falls back to triple lookup.
	got = s.GetOrCreate("client-a", "openai", "gpt-4o", "no-such-session")
	if got != id {
		t.Errorf("unknown requested id should fall back to triple reuse, got %s", got)
	}
}

func TestAppendAndHistory(t *testing.T) {
	s := NewStore(time.Hour, nil)
	id := s.GetOrCreate("c", "openai", "gpt-4o", "")

	if err := s.Append(id, providers.Message{Role: providers.RoleSystem, Content: "sys"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendAll(id,
		providers.Message{Role: providers.RoleUser, Content: "hello"},
		providers.Message{Role: providers.RoleAssistant, Content: "hi"},
	); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.History(id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("history = %d messages", len(msgs))
	}

	// History returns a copy; mutating it must not affect the store.
	msgs[0].Content = "mutated"
	again, _ := s.History(id, 0)
	if again[0].Content != "sys" {
		t.Error("History leaked internal slice")
	}

	if err := s.Append("gone", providers.Message{}); !errors.Is(err, ErrExpired) {
		t.Errorf("append to unknown session: %v", err)
	}
	if _, err := s.History("gone", 0); !errors.Is(err, ErrExpired) {
		t.Errorf("history of unknown session: %v", err)
	}
}

func TestLastContextTSMonotonic(t *testing.T) {
	s := NewStore(time.Hour, nil)
	id := s.GetOrCreate("c", "openai", "gpt-4o", "")

	if ts, _ := s.LastContextTS(id); ts != 0 {
		t.Errorf("initial cursor = %d", ts)
	}

	_ = s.SetLastContextTS(id, 1000)
	_ = s.SetLastContextTS(id, 500) // must not regress
	if ts, _ := s.LastContextTS(id); ts != 1000 {
		t.Errorf("cursor = %d, want 1000", ts)
	}

	_ = s.SetLastContextTS(id, 2000)
	if ts, _ := s.LastContextTS(id); ts != 2000 {
		t.Errorf("cursor = %d, want 2000", ts)
	}
}

func TestAutoEvict(t *testing.T) {
	s := NewStore(50*time.Millisecond, nil)
	idle := s.GetOrCreate("c", "openai", "gpt-4o", "")
	fresh := s.GetOrCreate("c", "anthropic", "claude-sonnet-4-5", "")

	time.Sleep(80 * time.Millisecond)
	s.Touch(fresh)

	if n := s.AutoEvict(); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, err := s.Get(idle); !errors.Is(err, ErrExpired) {
		t.Error("idle session survived eviction")
	}
	if _, err := s.Get(fresh); err != nil {
		t.Error("touched session was evicted")
	}

	// The triple slot is free again, so the next request gets a new session.
	next := s.GetOrCreate("c", "openai", "gpt-4o", "")
	if next == idle {
		t.Error("evicted session id resurrected")
	}
}

func TestLockTurnSerializes(t *testing.T) {
	s := NewStore(time.Hour, nil)
	id := s.GetOrCreate("c", "openai", "gpt-4o", "")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release := s.LockTurn(id)
			defer release()
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	// Under serialization every turn's two entries are adjacent.
	for i := 0; i < len(order); i += 2 {
		if order[i] != order[i+1] {
			t.Fatalf("turns interleaved: %v", order)
		}
	}
}

func TestFilePersisterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFilePersister(dir)
	if err != nil {
		t.Fatal(err)
	}

	s := NewStore(time.Hour, p)
	id := s.GetOrCreate("client-a", "openai", "gpt-4o", "")
	_ = s.AppendAll(id,
		providers.Message{Role: providers.RoleSystem, Content: "sys"},
		providers.Message{Role: providers.RoleUser, Content: "hello", Timestamp: 123},
	)
	_ = s.SetLastContextTS(id, 123)
	if err := s.Save(id); err != nil {
		t.Fatal(err)
	}

	// A fresh store restores the snapshot and keeps the triple binding.
	s2 := NewStore(time.Hour, p)
	if s2.Count() != 1 {
		t.Fatalf("restored %d sessions", s2.Count())
	}
	got := s2.GetOrCreate("client-a", "openai", "gpt-4o", "")
	if got != id {
		t.Errorf("restored session not reused: %s vs %s", got, id)
	}
	msgs, err := s2.History(id, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("restored history = %d messages, err %v", len(msgs), err)
	}
	if ts, _ := s2.LastContextTS(id); ts != 123 {
		t.Errorf("restored cursor = %d", ts)
	}

	// Eviction removes the snapshot file too.
	time.Sleep(10 * time.Millisecond)
	s3 := NewStore(time.Nanosecond, p)
	s3.AutoEvict()
	s4 := NewStore(time.Hour, p)
	if s4.Count() != 0 {
		t.Errorf("snapshot survived eviction: %d sessions", s4.Count())
	}
}
