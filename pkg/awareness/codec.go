package awareness

import (
	"encoding/json"
	"fmt"
	"sort"
)

type wireField struct {
	Value json.RawMessage `json:"value,omitempty"`
	Clock uint64          `json:"clock"`
}

type wireEntry struct {
	Replica string               `json:"replica"`
	Clock   uint64               `json:"clock"`
	Removed bool                 `json:"removed,omitempty"`
	Fields  map[string]wireField `json:"fields,omitempty"`
}

type wireUpdate struct {
	Entries []wireEntry `json:"entries"`
}

// EncodeUpdate serializes the records of the given replicas. Replicas that
// were removed are encoded as removals. With no arguments every known
// record is encoded.
func (a *Awareness) EncodeUpdate(replicas ...string) ([]byte, error) {
	a.mu.Lock()
	if len(replicas) == 0 {
		for id := range a.records {
			replicas = append(replicas, id)
		}
		sort.Strings(replicas)
	}
	u := wireUpdate{Entries: make([]wireEntry, 0, len(replicas))}
	for _, id := range replicas {
		if rec, ok := a.records[id]; ok {
			e := wireEntry{Replica: id, Clock: rec.clock, Fields: map[string]wireField{}}
			for k, f := range rec.fields {
				e.Fields[k] = wireField{Value: f.value, Clock: f.clock}
			}
			u.Entries = append(u.Entries, e)
			continue
		}
		if clock, ok := a.removed[id]; ok {
			u.Entries = append(u.Entries, wireEntry{Replica: id, Clock: clock, Removed: true})
		}
	}
	a.mu.Unlock()
	return json.Marshal(u)
}

// ApplyUpdate merges an update produced by EncodeUpdate on another replica.
// Entries about the local replica are ignored.
func (a *Awareness) ApplyUpdate(data []byte, origin any) error {
	var u wireUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, e := range u.Entries {
		if e.Replica == "" {
			return fmt.Errorf("%w: entry without replica", ErrMalformedUpdate)
		}
	}

	c := Change{Origin: origin}
	now := a.now()
	a.mu.Lock()
	for _, e := range u.Entries {
		if e.Replica == a.local {
			continue
		}
		rec, known := a.records[e.Replica]
		if e.Removed {
			if known && e.Clock < rec.clock {
				continue
			}
			if e.Clock > a.removed[e.Replica] {
				a.removed[e.Replica] = e.Clock
			}
			if known {
				delete(a.records, e.Replica)
				c.Removed = append(c.Removed, e.Replica)
			}
			continue
		}
		if e.Clock <= a.removed[e.Replica] {
			continue
		}
		if !known {
			rec = &record{fields: map[string]field{}}
			a.records[e.Replica] = rec
			delete(a.removed, e.Replica)
		}
		changed := false
		for k, f := range e.Fields {
			if cur, ok := rec.fields[k]; ok && cur.clock >= f.Clock {
				continue
			}
			rec.fields[k] = field{value: f.Value, clock: f.Clock}
			changed = true
		}
		if e.Clock > rec.clock {
			rec.clock = e.Clock
		}
		rec.lastSeen = now
		switch {
		case !known:
			c.Added = append(c.Added, e.Replica)
		case changed:
			c.Updated = append(c.Updated, e.Replica)
		}
	}
	a.mu.Unlock()

	a.emit(c)
	return nil
}
