package crdt

import (
	"errors"
	"testing"
)

func TestTransact_OneEventPerMap(t *testing.T) {
	doc := NewDoc()
	var configEvents, metaEvents []MapEvent
	doc.GetMap("config").Observe(func(e MapEvent) { configEvents = append(configEvents, e) })
	doc.GetMap("metadata").Observe(func(e MapEvent) { metaEvents = append(metaEvents, e) })

	err := doc.Transact(OriginBatchUpdate, func(tx *Transaction) {
		tx.Set("config", "a", 1)
		tx.Set("config", "b", 2)
		tx.Set("metadata", "c", 3)
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	if len(configEvents) != 1 {
		t.Fatalf("config events = %d, want 1", len(configEvents))
	}
	if len(metaEvents) != 1 {
		t.Fatalf("metadata events = %d, want 1", len(metaEvents))
	}
	if len(configEvents[0].Keys) != 2 {
		t.Errorf("config keys = %d, want 2", len(configEvents[0].Keys))
	}
	if configEvents[0].Origin != OriginBatchUpdate {
		t.Errorf("Origin = %s, want %s", configEvents[0].Origin, OriginBatchUpdate)
	}
	if metaEvents[0].Keys["c"].Action != ActionAdd {
		t.Errorf("Action = %s, want add", metaEvents[0].Keys["c"].Action)
	}
}

func TestTransact_UpdateAndDelete(t *testing.T) {
	doc := NewDoc()
	doc.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "k", "v1") })

	var last MapEvent
	doc.GetMap("m").Observe(func(e MapEvent) { last = e })

	doc.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "k", "v2") })
	if c := last.Keys["k"]; c.Action != ActionUpdate || c.OldValue != "v1" || c.NewValue != "v2" {
		t.Errorf("update change = %+v", c)
	}

	doc.Transact(OriginLocal, func(tx *Transaction) { tx.Delete("m", "k") })
	if c := last.Keys["k"]; c.Action != ActionDelete || c.OldValue != "v2" {
		t.Errorf("delete change = %+v", c)
	}
	if _, ok := doc.GetMap("m").Get("k"); ok {
		t.Error("expected key to be deleted")
	}
	if n := doc.GetMap("m").Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestTransact_AddThenDeleteIsSilent(t *testing.T) {
	doc := NewDoc()
	events := 0
	doc.GetMap("m").Observe(func(MapEvent) { events++ })

	doc.Transact(OriginLocal, func(tx *Transaction) {
		tx.Set("m", "k", "v")
		tx.Delete("m", "k")
	})
	if events != 0 {
		t.Errorf("events = %d, want 0", events)
	}
}

func TestApplyUpdate_Converges(t *testing.T) {
	a := NewDoc(WithGUID("doc"), WithClientID("a"))
	b := NewDoc(WithGUID("doc"), WithClientID("b"))

	var fromA, fromB [][]byte
	a.OnUpdate(func(u []byte, o Origin) {
		if !o.IsRemote() {
			fromA = append(fromA, u)
		}
	})
	b.OnUpdate(func(u []byte, o Origin) {
		if !o.IsRemote() {
			fromB = append(fromB, u)
		}
	})

	a.Transact(OriginLocal, func(tx *Transaction) { tx.Set("config", "title", "from-a") })
	b.Transact(OriginLocal, func(tx *Transaction) { tx.Set("config", "title", "from-b") })

	for _, u := range fromA {
		if err := b.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("b.ApplyUpdate: %v", err)
		}
	}
	for _, u := range fromB {
		if err := a.ApplyUpdate(u, OriginRemote); err != nil {
			t.Fatalf("a.ApplyUpdate: %v", err)
		}
	}

	va, _ := a.GetMap("config").Get("title")
	vb, _ := b.GetMap("config").Get("title")
	if va != vb {
		t.Fatalf("replicas diverged: a=%v b=%v", va, vb)
	}
	// Equal clocks: the larger client id wins.
	if va != "from-b" {
		t.Errorf("winner = %v, want from-b", va)
	}
}

func TestApplyUpdate_StaleEntryIgnored(t *testing.T) {
	a := NewDoc(WithClientID("a"))
	a.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "k", "old") })
	stale, err := a.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate: %v", err)
	}
	a.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "k", "new") })

	events := 0
	a.GetMap("m").Observe(func(MapEvent) { events++ })
	if err := a.ApplyUpdate(stale, OriginRemote); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if v, _ := a.GetMap("m").Get("k"); v != "new" {
		t.Errorf("value = %v, want new", v)
	}
	if events != 0 {
		t.Errorf("events = %d, want 0 for stale update", events)
	}
}

func TestEncodeStateAsUpdate_StateVector(t *testing.T) {
	a := NewDoc(WithClientID("a"))
	b := NewDoc(WithClientID("b"))

	a.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "one", "1") })
	full, _ := a.EncodeStateAsUpdate(nil)
	if err := b.ApplyUpdate(full, OriginRemote); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	a.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "two", "2") })

	sv, err := b.EncodeStateVector()
	if err != nil {
		t.Fatalf("EncodeStateVector: %v", err)
	}
	diff, err := a.EncodeStateAsUpdate(sv)
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate: %v", err)
	}

	var changed []string
	b.GetMap("m").Observe(func(e MapEvent) {
		for k := range e.Keys {
			changed = append(changed, k)
		}
	})
	if err := b.ApplyUpdate(diff, OriginRemote); err != nil {
		t.Fatalf("ApplyUpdate diff: %v", err)
	}
	if len(changed) != 1 || changed[0] != "two" {
		t.Errorf("changed = %v, want [two]", changed)
	}
	if b.GetMap("m").Len() != 2 {
		t.Errorf("Len = %d, want 2", b.GetMap("m").Len())
	}
}

func TestApplyUpdate_Malformed(t *testing.T) {
	doc := NewDoc()
	err := doc.ApplyUpdate([]byte{0xff, 0x00, 0x13}, OriginRemote)
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Errorf("expected ErrMalformedUpdate, got %v", err)
	}
}

func TestDestroy_Idempotent(t *testing.T) {
	doc := NewDoc()
	m := doc.GetMap("m")
	m.Observe(func(MapEvent) {})
	doc.OnUpdate(func([]byte, Origin) {})

	doc.Destroy()
	doc.Destroy()

	if !doc.IsDestroyed() {
		t.Fatal("expected destroyed")
	}
	if m.ObserverCount() != 0 {
		t.Errorf("ObserverCount = %d, want 0", m.ObserverCount())
	}
	err := doc.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "k", 1) })
	if !errors.Is(err, ErrDestroyed) {
		t.Errorf("expected ErrDestroyed, got %v", err)
	}
}

func TestClone_Independent(t *testing.T) {
	doc := NewDoc(WithGUID("g"))
	doc.Transact(OriginLocal, func(tx *Transaction) { tx.Set("config", "k", "v") })

	clone, err := doc.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if clone.GUID() != "g" {
		t.Errorf("GUID = %q, want g", clone.GUID())
	}
	if clone.ClientID() == doc.ClientID() {
		t.Error("clone should use a fresh client id")
	}

	clone.Transact(OriginLocal, func(tx *Transaction) { tx.Set("config", "k", "changed") })
	if v, _ := doc.GetMap("config").Get("k"); v != "v" {
		t.Errorf("original mutated through clone: %v", v)
	}
}

func TestStampLess(t *testing.T) {
	tests := []struct {
		a, b Stamp
		want bool
	}{
		{Stamp{1, "a"}, Stamp{2, "a"}, true},
		{Stamp{2, "a"}, Stamp{1, "z"}, false},
		{Stamp{3, "a"}, Stamp{3, "b"}, true},
		{Stamp{3, "b"}, Stamp{3, "b"}, false},
	}
	for _, tt := range tests {
		if got := tt.a.Less(tt.b); got != tt.want {
			t.Errorf("%v.Less(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTransact_PanicReleasesDocument(t *testing.T) {
	doc := NewDoc(WithClientID("a"))
	var updates int
	doc.OnUpdate(func([]byte, Origin) { updates++ })

	err := doc.Transact(OriginLocal, func(tx *Transaction) {
		tx.Set("m", "before", "kept")
		panic("boom")
	})
	if !errors.Is(err, ErrTransactionPanic) {
		t.Fatalf("Transact err = %v, want ErrTransactionPanic", err)
	}
	if v, _ := doc.GetMap("m").Get("before"); v != "kept" {
		t.Errorf("write before panic = %v, want kept", v)
	}
	if updates != 1 {
		t.Errorf("updates = %d, want 1", updates)
	}

	// The document is still usable.
	if err := doc.Transact(OriginLocal, func(tx *Transaction) { tx.Set("m", "after", "ok") }); err != nil {
		t.Fatalf("Transact after panic: %v", err)
	}
	if _, err := doc.EncodeStateVector(); err != nil {
		t.Errorf("EncodeStateVector: %v", err)
	}
	doc.Destroy()
}

func TestValueTypesSurviveReplication(t *testing.T) {
	a := NewDoc(WithGUID("g"), WithClientID("a"))
	a.Transact(OriginLocal, func(tx *Transaction) {
		tx.Set("config", "int", 1)
		tx.Set("config", "uint", uint8(7))
		tx.Set("config", "neg", -3)
		tx.Set("config", "float", 1.5)
		tx.Set("config", "list", []string{"x"})
		tx.Set("config", "nested", map[string]interface{}{"n": 2})
	})

	state, err := a.EncodeStateAsUpdate(nil)
	if err != nil {
		t.Fatalf("EncodeStateAsUpdate: %v", err)
	}
	b := NewDoc(WithGUID("g"), WithClientID("b"))
	if err := b.ApplyUpdate(state, OriginRemote); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}

	tests := []struct {
		key  string
		want interface{}
	}{
		{"int", int64(1)},
		{"uint", int64(7)},
		{"neg", int64(-3)},
		{"float", 1.5},
	}
	for _, tt := range tests {
		local, _ := a.GetMap("config").Get(tt.key)
		remote, _ := b.GetMap("config").Get(tt.key)
		if local != tt.want || remote != tt.want {
			t.Errorf("%s: local = %#v, replica = %#v, want %#v", tt.key, local, remote, tt.want)
		}
	}

	for _, doc := range []*Doc{a, b} {
		list, _ := doc.GetMap("config").Get("list")
		if l, ok := list.([]interface{}); !ok || len(l) != 1 || l[0] != "x" {
			t.Errorf("%s list = %#v", doc.ClientID(), list)
		}
		nested, _ := doc.GetMap("config").Get("nested")
		if n, ok := nested.(map[string]interface{}); !ok || n["n"] != int64(2) {
			t.Errorf("%s nested = %#v", doc.ClientID(), nested)
		}
	}
}
