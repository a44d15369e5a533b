package subscriber

import "testing"

func TestTopicMapFindInsertRemove(t *testing.T) {
	keys := map[uint64][2]string{}
	m := NewTopicMap(func(id uint64) (string, string, bool) {
		k, ok := keys[id]
		return k[0], k[1], ok
	})

	keys[1] = [2]string{"ns", "a"}
	m.Insert("ns", "a", 1)
	keys[2] = [2]string{"ns", "b"}
	m.Insert("ns", "b", 2)

	if id, ok := m.Find("ns", "a"); !ok || id != 1 {
		t.Fatalf("Find(a) = %d, %v", id, ok)
	}
	if id, ok := m.Find("ns", "b"); !ok || id != 2 {
		t.Fatalf("Find(b) = %d, %v", id, ok)
	}
	if _, ok := m.Find("ns", "missing"); ok {
		t.Fatal("Find(missing) should fail")
	}

	if !m.Remove("ns", "a", 1) {
		t.Fatal("Remove(a) should succeed")
	}
	delete(keys, 1)
	if _, ok := m.Find("ns", "a"); ok {
		t.Fatal("Find(a) should fail after remove")
	}
	if id, ok := m.Find("ns", "b"); !ok || id != 2 {
		t.Fatalf("Find(b) after remove = %d, %v", id, ok)
	}
}

func TestTopicMapRehashesUnderLoad(t *testing.T) {
	keys := map[uint64][2]string{}
	m := NewTopicMap(func(id uint64) (string, string, bool) {
		k, ok := keys[id]
		return k[0], k[1], ok
	})

	const n = 200
	for i := uint64(1); i <= n; i++ {
		topic := "topic"
		k := [2]string{"ns", topic}
		k[1] = k[1] + string(rune('a'+i%26)) + string(rune('a'+i/26))
		keys[i] = k
		m.Insert(k[0], k[1], i)
	}
	if m.Len() != n {
		t.Fatalf("Len() = %d, want %d", m.Len(), n)
	}
	for i := uint64(1); i <= n; i++ {
		k := keys[i]
		id, ok := m.Find(k[0], k[1])
		if !ok || id != i {
			t.Fatalf("Find(%v) = %d, %v, want %d", k, id, ok, i)
		}
	}
}

func TestTopicMapRemoveShiftsCollidedEntries(t *testing.T) {
	keys := map[uint64][2]string{}
	m := NewTopicMap(func(id uint64) (string, string, bool) {
		k, ok := keys[id]
		return k[0], k[1], ok
	})
	for i := uint64(1); i <= 10; i++ {
		k := [2]string{"ns", "t"}
		k[1] = k[1] + string(rune('a'+i))
		keys[i] = k
		m.Insert(k[0], k[1], i)
	}
	// Remove from the middle of the insertion order; every surviving key
	// must still resolve via Find, which only succeeds if backward-shift
	// deletion preserved each entry's probe reachability.
	target := keys[5]
	m.Remove(target[0], target[1], 5)
	delete(keys, 5)
	for id, k := range keys {
		got, ok := m.Find(k[0], k[1])
		if !ok || got != id {
			t.Fatalf("Find(%v) = %d, %v, want %d", k, got, ok, id)
		}
	}
}
