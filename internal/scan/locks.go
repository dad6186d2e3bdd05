package scan

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 64

// pathLocks serializes writers of the same path. Distinct paths may share a
// stripe, which only costs parallelism.
type pathLocks [lockStripes]sync.Mutex

func (l *pathLocks) lock(path string) (unlock func()) {
	m := &l[xxhash.Sum64String(path)%lockStripes]
	m.Lock()
	return m.Unlock
}
