// Package media guards the local capture device. Only one call may hold it.
package media

import (
	"fmt"
	"sync"

	"github.com/dkeye/agentcall/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

type Device struct {
	name string
	sem  *semaphore.Weighted
}

func NewDevice(name string) *Device {
	return &Device{name: name, sem: semaphore.NewWeighted(1)}
}

// Acquire takes the device without waiting. It fails while another handle
// is still unreleased.
func (d *Device) Acquire() (*Handle, error) {
	if !d.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%s busy: %w", d.name, domain.ErrMediaAcquisitionFailed)
	}
	log.Debug().Str("module", "media").Str("device", d.name).Msg("acquired")
	return &Handle{dev: d}, nil
}

// Handle is an exclusive claim on the device.
type Handle struct {
	dev  *Device
	once sync.Once
}

// Release is safe to call more than once and on a nil handle.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.dev.sem.Release(1)
		log.Debug().Str("module", "media").Str("device", h.dev.name).Msg("released")
	})
}
