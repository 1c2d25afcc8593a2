package alerts

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyLock serializes work per (device, alert type) without one global lock.
// Distinct keys may share a stripe; that only costs contention.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyLock) lock(deviceID string, t Type) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(t))
	mu := &k.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
