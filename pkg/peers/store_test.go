package peers

import (
	"testing"
	"time"

	"github.com/ezavada/pdg-node/pkg/memkv"
)

func TestUpsertGetList(t *testing.T) {
	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	s := NewStore(kv, time.Minute)

	s.Upsert(Record{ID: "b", Remote: "10.0.0.2:4000", Role: "server", State: "established"})
	s.Upsert(Record{ID: "a", Remote: "10.0.0.1:4000", Role: "server", State: "established", MsgsIn: 3})

	r, ok := s.Get("a")
	if !ok || r.Remote != "10.0.0.1:4000" || r.MsgsIn != 3 || r.ExpiresIn != 0 {
		t.Fatalf("Get(a) = %+v %v", r, ok)
	}
	list := s.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List = %+v", list)
	}
}

func TestClosedRecordLingers(t *testing.T) {
	kv := memkv.New(memkv.Options{})
	defer kv.Close()
	s := NewStore(kv, time.Minute)

	s.Upsert(Record{ID: "a", State: "established"})
	s.Closed(Record{ID: "a", State: "closed"})
	r, ok := s.Get("a")
	if !ok || r.State != "closed" || r.ClosedAt == 0 {
		t.Fatalf("closed record = %+v %v", r, ok)
	}
	if r.ExpiresIn <= 0 || r.ExpiresIn > time.Minute.Milliseconds() {
		t.Fatalf("closed record expires in %dms", r.ExpiresIn)
	}
	if !s.Delete("a") || len(s.List()) != 0 {
		t.Fatalf("Delete did not remove record")
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	s.Upsert(Record{ID: "x"})
	s.Closed(Record{ID: "x"})
	if _, ok := s.Get("x"); ok || s.List() != nil {
		t.Fatalf("nil store returned data")
	}
}
