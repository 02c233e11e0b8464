package auth

import (
	"fmt"
	"sync"
	"testing"
)

func TestSessionSignInNotifies(t *testing.T) {
	s := NewSession("")
	if s.SignedIn() {
		t.Fatal("new session with empty identity should be signed out")
	}

	var changes []Change
	remove := s.OnChange(func(c Change) { changes = append(changes, c) })

	s.SignIn("agent-1")
	s.SignIn("agent-1") // no-op
	s.SignIn("agent-2")
	s.SignOut()

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].From != "" || changes[0].To != "agent-1" {
		t.Errorf("first change = %+v", changes[0])
	}
	if changes[1].From != "agent-1" || changes[1].To != "agent-2" {
		t.Errorf("second change = %+v", changes[1])
	}
	if changes[2].To != "" || s.SignedIn() {
		t.Errorf("sign out not applied: %+v", changes[2])
	}

	remove()
	s.SignIn("agent-3")
	if len(changes) != 3 {
		t.Error("removed listener still notified")
	}
	if s.Identity() != "agent-3" {
		t.Errorf("Identity = %q, want agent-3", s.Identity())
	}
}

func TestListenerMayReadSession(t *testing.T) {
	s := NewSession("a")
	var seen string
	s.OnChange(func(Change) { seen = s.Identity() })
	s.SignIn("b")
	if seen != "b" {
		t.Errorf("listener saw %q, want b", seen)
	}
}

func TestConcurrentSignInNotifiesInOrder(t *testing.T) {
	s := NewSession("")

	var mu sync.Mutex
	var changes []Change
	s.OnChange(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SignIn(fmt.Sprintf("agent-%d", i%5))
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(changes) == 0 {
		t.Fatal("no changes delivered")
	}
	prev := ""
	for i, c := range changes {
		if c.From != prev {
			t.Fatalf("change %d: From = %q, want %q", i, c.From, prev)
		}
		prev = c.To
	}
	if last := changes[len(changes)-1].To; last != s.Identity() {
		t.Errorf("last delivered identity %q, session has %q", last, s.Identity())
	}
}
