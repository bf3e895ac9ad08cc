package injector

import "sync"

// ItemTable is the multi-map from item key to the ordered sequence of
// live Items holding that key. Insertion order is preserved so the
// Matcher's Cartesian-product enumeration is deterministic given the
// same push history.
type ItemTable struct {
	mu    sync.RWMutex
	byKey map[string][]*Item
	order []*Item
}

func newItemTable() *ItemTable {
	return &ItemTable{byKey: make(map[string][]*Item)}
}

// Insert appends item to its key's sequence and reports whether it was
// actually added; an Item with the same ref (pointer identity) already
// present is left alone.
func (t *ItemTable) Insert(item *Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byKey[item.key]
	for _, existing := range list {
		if existing == item {
			return false
		}
	}
	t.byKey[item.key] = append(list, item)
	t.order = append(t.order, item)
	return true
}

// Remove deletes item from its key's sequence by ref equality and
// reports whether it was present. If the sequence becomes empty, the key
// entry is deleted entirely; a key never maps to an empty list.
func (t *ItemTable) Remove(item *Item) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byKey[item.key]
	found := false
	for i, existing := range list {
		if existing == item {
			list = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if len(list) == 0 {
		delete(t.byKey, item.key)
	} else {
		t.byKey[item.key] = list
	}
	for i, existing := range t.order {
		if existing == item {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether item is present, by ref.
func (t *ItemTable) Contains(item *Item) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, existing := range t.byKey[item.key] {
		if existing == item {
			return true
		}
	}
	return false
}

// Values returns a defensive copy of the current sequence for key, or
// nil if the key is absent.
func (t *ItemTable) Values(key string) []*Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.byKey[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Item, len(list))
	copy(out, list)
	return out
}

// All returns every live Item in global insertion order.
func (t *ItemTable) All() []*Item {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Item, len(t.order))
	copy(out, t.order)
	return out
}

// Len reports the number of live Items across all keys.
func (t *ItemTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
