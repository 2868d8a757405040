package vm

import (
	"sort"

	"github.com/orizon-lang/vmcore/internal/runtime/kernel/mmconfig"
)

type reclaimCandidate struct {
	obj   *VMObject
	index int
	tick  uint64
}

// reclaimClean drops up to want clean file pages. They are re-read from
// their file on the next fault. LRU orders by last fault, FIFO by the time
// the page was read in.
func (mm *MemoryManager) reclaimClean(want int, policy mmconfig.ReclaimPolicy) int {
	byLoad := policy == mmconfig.ReclaimFIFO
	var candidates []reclaimCandidate
	for _, o := range mm.snapshotObjects(KindInode) {
		candidates = append(candidates, o.reclaimCandidates(byLoad)...)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].tick < candidates[j].tick })
	n := 0
	for _, c := range candidates {
		if n == want {
			break
		}
		if c.obj.evict(c, byLoad) {
			n++
		}
	}
	mm.counters.reclaimed.Add(uint64(n))
	return n
}
