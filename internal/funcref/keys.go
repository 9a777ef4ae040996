package funcref

import "sync"

// Keys issues correlation keys. Keys come from a monotonic counter; zero
// is never issued and a key still reported live by the caller is skipped,
// so a live key is never reused even after the counter wraps.
type Keys struct {
	mu   sync.Mutex
	next uint64
}

// Next returns a key for which live reports false. live may be nil.
func (k *Keys) Next(live func(uint64) bool) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()

	for {
		k.next++
		if k.next == 0 {
			continue
		}
		if live == nil || !live(k.next) {
			return k.next
		}
	}
}

// Restart sets the counter so that the next key issued is start+1.
func (k *Keys) Restart(start uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.next = start
}
