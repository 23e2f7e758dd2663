// Package governor implements in-memory admission control for outbound
// sends. This file holds the bounded per-target caches: small maps with
// explicit oldest-first eviction so an account with unbounded traffic cannot
// grow the governor's memory without bound. Both caches are advisory; the
// persistent store remains the source of truth for target history.
package governor

import "time"

// targetTimes maps target keys to their last-send time, evicting the oldest
// inserted key once max entries are exceeded.
type targetTimes struct {
	max   int
	times map[string]time.Time
	order []string // insertion order, oldest first
}

func newTargetTimes(max int) *targetTimes {
	return &targetTimes{max: max, times: make(map[string]time.Time)}
}

func (t *targetTimes) get(key string) (time.Time, bool) {
	v, ok := t.times[key]
	return v, ok
}

func (t *targetTimes) put(key string, at time.Time) {
	if _, ok := t.times[key]; !ok {
		t.order = append(t.order, key)
	}
	t.times[key] = at
	for len(t.times) > t.max && len(t.order) > 0 {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.times, oldest)
	}
}

// targetSet is a bounded set of target keys with oldest-first eviction.
type targetSet struct {
	max   int
	set   map[string]struct{}
	order []string
}

func newTargetSet(max int) *targetSet {
	return &targetSet{max: max, set: make(map[string]struct{})}
}

func (s *targetSet) has(key string) bool {
	_, ok := s.set[key]
	return ok
}

func (s *targetSet) add(key string) {
	if _, ok := s.set[key]; ok {
		return
	}
	s.set[key] = struct{}{}
	s.order = append(s.order, key)
	for len(s.set) > s.max && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
}
