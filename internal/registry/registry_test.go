package registry

import (
	"testing"

	"github.com/MitulShah1/ferrotunnel/internal/protocol"
)

type fakeSession struct {
	tunnelID protocol.TunnelID
}

func (f *fakeSession) TunnelID() protocol.TunnelID { return f.tunnelID }

func TestRegisterLookup(t *testing.T) {
	r := New()
	id := protocol.NewTunnelID()
	s := &fakeSession{tunnelID: id}

	if err := r.Register(id, s); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Lookup(id)
	if !ok || got != s {
		t.Fatal("Lookup did not return the registered session")
	}
}

func TestRegisterConflict(t *testing.T) {
	r := New()
	id := protocol.NewTunnelID()

	if err := r.Register(id, &fakeSession{tunnelID: id}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(id, &fakeSession{tunnelID: id}); err != ErrConflict {
		t.Fatalf("second Register = %v, want ErrConflict", err)
	}
}

func TestDeregisterOnlyRemovesMatchingSession(t *testing.T) {
	r := New()
	id := protocol.NewTunnelID()
	original := &fakeSession{tunnelID: id}
	if err := r.Register(id, original); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stale := &fakeSession{tunnelID: id}
	r.Deregister(id, stale)

	if _, ok := r.Lookup(id); !ok {
		t.Fatal("Deregister with a stale session pointer should be a no-op")
	}

	r.Deregister(id, original)
	if _, ok := r.Lookup(id); ok {
		t.Fatal("Deregister with the current session should remove the entry")
	}
}

func TestListAndCount(t *testing.T) {
	r := New()
	ids := []protocol.TunnelID{protocol.NewTunnelID(), protocol.NewTunnelID(), protocol.NewTunnelID()}
	for _, id := range ids {
		if err := r.Register(id, &fakeSession{tunnelID: id}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if r.Count() != len(ids) {
		t.Fatalf("Count() = %d, want %d", r.Count(), len(ids))
	}
	if len(r.List()) != len(ids) {
		t.Fatalf("List() length = %d, want %d", len(r.List()), len(ids))
	}
}
