package vgic

// lineSet is an ordered set of interrupt ids referencing lines reachable from
// one core (its private bank plus the distributor bank). Within a core those
// ids are unique, so a plain index slice gives O(1) toggling and a linear
// priority scan without any pointer aliasing.
//
// Sets are owned exclusively by their core; remote cores never touch them
// directly (all remote changes arrive through the message protocol).
type lineSet struct {
	ids []uint32
}

func (s *lineSet) add(id uint32) {
	for _, v := range s.ids {
		if v == id {
			return
		}
	}
	s.ids = append(s.ids, id)
}

func (s *lineSet) remove(id uint32) {
	for i, v := range s.ids {
		if v == id {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			return
		}
	}
}

func (s *lineSet) len() int { return len(s.ids) }

// highest returns the set entry with the numerically smallest priority value
// among entries accepted by keep, or nil.
func (s *lineSet) highest(resolve func(id uint32) *Line, keep func(*Line) bool) *Line {
	var best *Line
	bestPrio := -1
	for _, id := range s.ids {
		l := resolve(id)
		if l == nil {
			continue
		}
		l.mu.Lock()
		prio := int(l.priority)
		ok := keep == nil || keep(l)
		l.mu.Unlock()
		if !ok {
			continue
		}
		if best == nil || prio < bestPrio {
			best, bestPrio = l, prio
		}
	}
	return best
}
