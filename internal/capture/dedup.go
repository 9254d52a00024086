package capture

import lru "github.com/hashicorp/golang-lru/v2"

const DefaultDedupCapacity = 10000

// DedupIndex is a bounded set of fingerprints with least-recently-seen
// eviction. Within its capacity it only grows.
type DedupIndex struct {
	seen *lru.Cache[string, struct{}]
}

// NewDedupIndex returns an index holding at most capacity fingerprints.
// capacity <= 0 selects DefaultDedupCapacity.
func NewDedupIndex(capacity int) *DedupIndex {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	// lru.New only fails for a non-positive size.
	seen, _ := lru.New[string, struct{}](capacity)
	return &DedupIndex{seen: seen}
}

// Has reports whether fp was recorded and refreshes its recency.
func (d *DedupIndex) Has(fp string) bool {
	_, ok := d.seen.Get(fp)
	return ok
}

// Record adds fp, evicting the least recently seen fingerprint when full.
func (d *DedupIndex) Record(fp string) {
	d.seen.Add(fp, struct{}{})
}

func (d *DedupIndex) Len() int {
	return d.seen.Len()
}

func (d *DedupIndex) Reset() {
	d.seen.Purge()
}
