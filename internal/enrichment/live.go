package enrichment

import (
	"sync"

	"github.com/evroon/web1090/internal/provider"
)

// Live holds the aircraft of the last snapshot whose registration is known.
// It is handed to the schedule provider, which correlates by registration.
type Live struct {
	mu       sync.RWMutex
	aircraft []provider.LiveAircraft
}

// NewLive creates an empty view.
func NewLive() *Live {
	return &Live{}
}

// LiveAircraft implements provider.LiveSource.
func (l *Live) LiveAircraft() []provider.LiveAircraft {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]provider.LiveAircraft, len(l.aircraft))
	copy(out, l.aircraft)
	return out
}

func (l *Live) update(aircraft []provider.LiveAircraft) {
	l.mu.Lock()
	l.aircraft = aircraft
	l.mu.Unlock()
}
