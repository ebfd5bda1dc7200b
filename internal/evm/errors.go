package evm

import (
	"sync"
	"time"
)

// errorWindow tracks RPC outcomes over a sliding one-minute window so callers
// can throttle themselves when the error rate climbs.
type errorWindow struct {
	mu      sync.Mutex
	samples []sample
}

type sample struct {
	at time.Time
	ok bool
}

func (w *errorWindow) record()   { w.add(false) }
func (w *errorWindow) recordOK() { w.add(true) }

func (w *errorWindow) add(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, sample{at: time.Now(), ok: ok})
	w.trimLocked()
}

func (w *errorWindow) trimLocked() {
	cutoff := time.Now().Add(-time.Minute)
	i := 0
	for ; i < len(w.samples); i++ {
		if w.samples[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

func (w *errorWindow) rate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trimLocked()
	if len(w.samples) == 0 {
		return 0
	}
	failed := 0
	for _, s := range w.samples {
		if !s.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(w.samples))
}
