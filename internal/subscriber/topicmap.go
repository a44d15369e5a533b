package subscriber

import "github.com/cespare/xxhash/v2"

// reservedSubscriptionID marks an empty slot; real subscription IDs are
// allocated starting at 1.
const reservedSubscriptionID uint64 = 0

const (
	minTableSize      = 16
	loadFactorLow     = 0.25
	loadFactorHigh    = 0.5
	loadFactorOptimal = (loadFactorLow + loadFactorHigh) / 2.0
)

// topicKeyer is implemented by whatever type owns the real subscription
// records; the map stores only IDs, and asks the owner for a (namespace,
// topic) pair to disambiguate hash collisions, exactly as the original's
// get_state_ callback does.
type topicKeyer func(id uint64) (namespace, topic string, ok bool)

// TopicMap is a client-side open-addressed, linear-probing hash table from
// (namespace, topic) to the single upstream subscription ID currently
// covering that topic, used for tail-collapsing (§3): multiple downstream
// subscriptions on the same topic share one upstream subscription.
type TopicMap struct {
	getKey topicKeyer
	slots  []uint64
	low    int
	high   int
	count  int
}

// NewTopicMap constructs an empty map. getKey must return the
// (namespace, topic) for a previously-inserted ID — used to resolve hash
// collisions during lookup, insert, and rehash.
func NewTopicMap(getKey topicKeyer) *TopicMap {
	return &TopicMap{getKey: getKey}
}

func optimalPosition(namespace, topic string, size int) int {
	h := xxhash.New()
	_, _ = h.WriteString(namespace)
	_, _ = h.WriteString(topic)
	return int(h.Sum64() % uint64(size))
}

// Find returns the upstream subscription ID for (namespace, topic), or
// (0, false) if none is registered.
func (m *TopicMap) Find(namespace, topic string) (uint64, bool) {
	if len(m.slots) == 0 {
		return reservedSubscriptionID, false
	}
	optimal := optimalPosition(namespace, topic, len(m.slots))
	pos := optimal
	for {
		id := m.slots[pos]
		if id == reservedSubscriptionID {
			return reservedSubscriptionID, false
		}
		if ns, tp, ok := m.getKey(id); ok && ns == namespace && tp == topic {
			return id, true
		}
		pos = (pos + 1) % len(m.slots)
		if pos == optimal {
			return reservedSubscriptionID, false
		}
	}
}

// Insert registers id as the upstream subscription covering (namespace,
// topic), rehashing first if the table's load factor requires it.
func (m *TopicMap) Insert(namespace, topic string, id uint64) {
	m.rehash()
	m.insertInternal(namespace, topic, id)
}

func (m *TopicMap) insertInternal(namespace, topic string, id uint64) {
	optimal := optimalPosition(namespace, topic, len(m.slots))
	pos := optimal
	for {
		if m.slots[pos] == id {
			return // already present under this key
		}
		if m.slots[pos] == reservedSubscriptionID {
			m.slots[pos] = id
			m.count++
			return
		}
		pos = (pos + 1) % len(m.slots)
		if pos == optimal {
			return // table corrupted or rehash invariant violated; no-op
		}
	}
}

// Remove deregisters id from (namespace, topic)'s slot, shifting collided
// entries leftward so no element is ever separated from its optimal
// position by a gap. Returns false if id was not found there.
func (m *TopicMap) Remove(namespace, topic string, id uint64) bool {
	if len(m.slots) == 0 {
		return false
	}
	optimal := optimalPosition(namespace, topic, len(m.slots))
	pos := optimal
	for {
		if m.slots[pos] == reservedSubscriptionID || m.slots[pos] == id {
			break
		}
		pos = (pos + 1) % len(m.slots)
		if pos == optimal {
			break
		}
	}
	if m.slots[pos] != id {
		return false
	}

	m.count--
	size := len(m.slots)
	gapPos := pos
	cur := pos
	for {
		m.slots[gapPos] = reservedSubscriptionID
		cur = (cur + 1) % size

		curID := m.slots[cur]
		if curID == reservedSubscriptionID {
			break
		}
		ns, tp, ok := m.getKey(curID)
		if !ok {
			break
		}
		x := optimalPosition(ns, tp, size)
		inRange := false
		if gapPos <= cur {
			inRange = gapPos < x && x <= cur
		} else {
			inRange = gapPos < x || x <= cur
		}
		if inRange {
			continue
		}
		m.slots[gapPos] = curID
		gapPos = cur
	}

	m.rehash()
	return true
}

func (m *TopicMap) needsRehash() bool {
	return m.low > m.count || m.count >= m.high
}

// rehash grows or shrinks the table to keep the load factor within
// [loadFactorLow, loadFactorHigh], reinserting every live ID.
func (m *TopicMap) rehash() {
	if !m.needsRehash() {
		return
	}

	newSize := int(float64(m.count) / loadFactorOptimal)
	low := int(float64(newSize) * loadFactorLow)
	if newSize <= minTableSize {
		newSize = minTableSize
		low = 0
	}
	high := int(float64(newSize) * loadFactorHigh)

	old := m.slots
	m.slots = make([]uint64, newSize)
	m.low, m.high = low, high
	m.count = 0

	for _, id := range old {
		if id == reservedSubscriptionID {
			continue
		}
		if ns, tp, ok := m.getKey(id); ok {
			m.insertInternal(ns, tp, id)
		}
	}
}

// Len returns the number of upstream subscriptions currently tracked.
func (m *TopicMap) Len() int { return m.count }
