package presence

import (
	"sync"

	"github.com/openclaw/gateway-go/internal/model"
)

// Versions holds the process-wide presence and health counters. Each
// counter only ever moves forward by one per bump.
type Versions struct {
	mu       sync.Mutex
	presence uint64
	health   uint64
}

func NewVersions() *Versions {
	return &Versions{}
}

// BumpPresence increments the presence counter and returns the full
// version after the increment.
func (v *Versions) BumpPresence() model.StateVersion {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.presence++
	return model.StateVersion{Presence: v.presence, Health: v.health}
}

func (v *Versions) BumpHealth() model.StateVersion {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.health++
	return model.StateVersion{Presence: v.presence, Health: v.health}
}

func (v *Versions) Current() model.StateVersion {
	v.mu.Lock()
	defer v.mu.Unlock()
	return model.StateVersion{Presence: v.presence, Health: v.health}
}
