package notify

// recentSet remembers the last cap ids, evicting the oldest first.
type recentSet struct {
	cap   int
	ids   map[string]struct{}
	order []string
	head  int
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &recentSet{
		cap:   capacity,
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, 0, capacity),
	}
}

// add records id and reports whether it was new.
func (r *recentSet) add(id string) bool {
	if _, ok := r.ids[id]; ok {
		return false
	}
	if len(r.order) < r.cap {
		r.order = append(r.order, id)
	} else {
		delete(r.ids, r.order[r.head])
		r.order[r.head] = id
		r.head = (r.head + 1) % r.cap
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *recentSet) len() int { return len(r.ids) }
