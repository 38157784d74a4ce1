package live

// Diff is the set of transitions between two snapshots.
type Diff struct {
	Joined []Item // in fresh, not in previous
	Left   []Item // in previous, not in fresh
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool { return len(d.Joined) == 0 && len(d.Left) == 0 }

// Compute returns Joined = fresh - previous and Left = previous - fresh on
// (platform, channel) keys. Both slices are sorted by key. Items whose fields
// changed but whose key persisted appear in neither.
func Compute(previous, fresh *Snapshot) Diff {
	var d Diff
	if fresh != nil {
		for k, it := range fresh.items {
			if !previous.Has(k) {
				d.Joined = append(d.Joined, it)
			}
		}
	}
	if previous != nil {
		for k, it := range previous.items {
			if !fresh.Has(k) {
				d.Left = append(d.Left, it)
			}
		}
	}
	sortItems(d.Joined)
	sortItems(d.Left)
	return d
}
