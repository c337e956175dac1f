package session

import (
	"errors"
	"testing"
)

func TestCreateAssignsLowestFreeSlot(t *testing.T) {
	r := NewRegistry(4, false)
	for want := 0; want < 4; want++ {
		h, err := r.Create(KindPlayer, nil)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if h.Slot != want {
			t.Errorf("slot = %d, want %d", h.Slot, want)
		}
	}
	if _, err := r.Create(KindPlayer, nil); !errors.Is(err, ErrFull) {
		t.Errorf("err = %v, want ErrFull", err)
	}
}

func TestSlotReuseAfterDestroy(t *testing.T) {
	r := NewRegistry(3, false)
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, _ := r.Create(KindPlayer, nil)
		handles = append(handles, h)
	}
	if !r.Destroy(handles[1].Slot) {
		t.Fatal("Destroy returned false for live slot")
	}
	if r.Destroy(handles[1].Slot) {
		t.Fatal("Destroy returned true for empty slot")
	}
	h, err := r.Create(KindSquare, nil)
	if err != nil {
		t.Fatalf("Create after Destroy: %v", err)
	}
	if h.Slot != 1 {
		t.Errorf("reused slot = %d, want 1", h.Slot)
	}
	if r.Count() != 3 {
		t.Errorf("Count = %d, want 3", r.Count())
	}
}

func TestKeyIssuance(t *testing.T) {
	withKeys := NewRegistry(8, true)
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		h, _ := withKeys.Create(KindPlayer, nil)
		if len(h.Key) != 8 {
			t.Fatalf("key %q is not 8 chars", h.Key)
		}
		if seen[h.Key] {
			t.Fatalf("duplicate key %q", h.Key)
		}
		seen[h.Key] = true
		if got := withKeys.ByKey(h.Key); got != h {
			t.Errorf("ByKey(%q) = %v, want the issuing handle", h.Key, got)
		}
	}

	noKeys := NewRegistry(2, false)
	h, _ := noKeys.Create(KindSquare, nil)
	if h.Key != "" {
		t.Errorf("zone-side registry issued key %q", h.Key)
	}
	if noKeys.ByKey("") != nil {
		t.Error("ByKey matched an empty key")
	}
}

func TestByNameIsCaseInsensitive(t *testing.T) {
	r := NewRegistry(4, true)
	h, _ := r.Create(KindPlayer, nil)
	if r.ByName("Sieg") != nil {
		t.Error("ByName matched an unauthenticated session")
	}
	h.Name = "Sieg"
	if got := r.ByName("sIEG"); got != h {
		t.Errorf("ByName = %v, want handle %d", got, h.Slot)
	}
	if r.ByName("Eir") != nil {
		t.Error("ByName matched a name nobody holds")
	}
}

func TestByIDBounds(t *testing.T) {
	r := NewRegistry(2, false)
	if r.ByID(-1) != nil || r.ByID(2) != nil || r.ByID(0) != nil {
		t.Error("ByID returned a handle for an empty or out-of-range slot")
	}
	h, _ := r.Create(KindGateway, nil)
	if r.ByID(h.Slot) != h {
		t.Error("ByID did not return the created handle")
	}
}
