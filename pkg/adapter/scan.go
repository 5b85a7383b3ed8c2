package adapter

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/pkg/device"
)

// ScanLease is one owner's share of the host scan.
//
// The adapter runs a single host scan. It starts with the first lease and
// stops when the last lease is released. While several leases are held the
// host filter is the union of their filters, and an empty filter on any
// lease widens it to everything. Owners that need their own filter apply it
// to the events they receive.
type ScanLease struct {
	h      *Handle
	id     uint64
	filter device.ScanFilter
	once   sync.Once
}

// AcquireScan takes a scan lease, starting host discovery if no other
// lease is held or widening the running scan's filter otherwise.
func (h *Handle) AcquireScan(ctx context.Context, filter device.ScanFilter) (*ScanLease, error) {
	a, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}

	h.scanMu.Lock()
	defer h.scanMu.Unlock()

	h.nextLease++
	id := h.nextLease
	h.leases[id] = filter
	merged := h.mergedFilter()
	if err := a.StartScan(ctx, merged); err != nil {
		delete(h.leases, id)
		return nil, err
	}

	h.logger.WithFields(logrus.Fields{
		"lease":    id,
		"owners":   len(h.leases),
		"services": len(merged.Services),
	}).Debug("Scan lease acquired")
	return &ScanLease{h: h, id: id, filter: filter}, nil
}

// Filter returns the filter the lease was acquired with.
func (l *ScanLease) Filter() device.ScanFilter {
	return l.filter
}

// Release gives the lease back. The last release stops host discovery;
// earlier ones narrow the host filter to what the remaining owners need.
// Only the first call has an effect.
func (l *ScanLease) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() { err = l.h.release(ctx, l.id) })
	return err
}

func (h *Handle) release(ctx context.Context, id uint64) error {
	a, err := h.Get(ctx)
	if err != nil {
		return err
	}

	h.scanMu.Lock()
	defer h.scanMu.Unlock()

	delete(h.leases, id)
	entry := h.logger.WithFields(logrus.Fields{"lease": id, "owners": len(h.leases)})
	if len(h.leases) == 0 {
		entry.Debug("Last scan lease released, stopping scan")
		return a.StopScan(ctx)
	}
	entry.Debug("Scan lease released")
	return a.StartScan(ctx, h.mergedFilter())
}

// ScanOwners reports how many leases are currently held.
func (h *Handle) ScanOwners() int {
	h.scanMu.Lock()
	defer h.scanMu.Unlock()
	return len(h.leases)
}

// mergedFilter must be called with scanMu held.
func (h *Handle) mergedFilter() device.ScanFilter {
	var services []device.UUID
	for _, id := range slices.Sorted(maps.Keys(h.leases)) {
		f := h.leases[id]
		if len(f.Services) == 0 {
			return device.ScanFilter{}
		}
		for _, u := range f.Services {
			if !slices.Contains(services, u) {
				services = append(services, u)
			}
		}
	}
	return device.ScanFilter{Services: services}
}
