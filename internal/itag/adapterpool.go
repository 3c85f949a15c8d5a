package itag

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// Claim is an exclusive hold on one adapter by one device.
//
// Claims carry a token so that releasing or revoking an old claim never
// affects a newer one for the same adapter.
type Claim struct {
	AdapterID string
	DeviceID  string
	token     uint64
}

// Valid reports whether c was issued by a pool.
func (c Claim) Valid() bool {
	return c.token != 0
}

// AdapterStatus is a snapshot of one adapter as the pool sees it.
type AdapterStatus struct {
	bluetooth.Adapter
	Available bool   `json:"available"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}

// Watch is a device's view of pool changes.
//
// Available receives a coalesced signal whenever an adapter may have become
// claimable. Revoked receives a claim the pool has forcibly taken back.
type Watch struct {
	Available <-chan struct{}
	Revoked   <-chan Claim

	available chan struct{}
	revoked   chan Claim
}

type poolEntry struct {
	adapter   bluetooth.Adapter
	available bool
	claim     Claim
}

// AdapterPool tracks which adapters exist and which device holds each one.
//
// Thread Safety: All methods are safe for concurrent use. Claim decisions are
// made under a single mutex, so exactly one of N concurrent claims on the
// same adapter succeeds.
type AdapterPool struct {
	mu        sync.Mutex
	adapters  map[string]*poolEntry
	watchers  map[string]*Watch
	allow     []string
	nextToken uint64

	signal bluetooth.SignalReporter
}

// NewAdapterPool creates an empty pool.
//
// allow restricts which adapters may enter the pool, matched against the
// adapter name, hardware address or transport id (case-insensitive). An
// empty list allows every adapter.
func NewAdapterPool(allow []string) *AdapterPool {
	normalised := make([]string, 0, len(allow))
	for _, a := range allow {
		if a = strings.TrimSpace(a); a != "" {
			normalised = append(normalised, strings.ToLower(a))
		}
	}
	return &AdapterPool{
		adapters: make(map[string]*poolEntry),
		watchers: make(map[string]*Watch),
		allow:    normalised,
	}
}

// SetSignalReporter enables strongest-first adapter ranking.
func (p *AdapterPool) SetSignalReporter(r bluetooth.SignalReporter) {
	p.mu.Lock()
	p.signal = r
	p.mu.Unlock()
}

// Allowed reports whether the allow-list admits the adapter.
func (p *AdapterPool) Allowed(a bluetooth.Adapter) bool {
	if len(p.allow) == 0 {
		return true
	}
	for _, candidate := range []string{a.Name, a.Address, a.ID} {
		if candidate != "" && slices.Contains(p.allow, strings.ToLower(candidate)) {
			return true
		}
	}
	return false
}

// Add registers an adapter that appeared and notifies every waiting device.
// Adding a known adapter marks it available again. It returns false when the
// allow-list rejects the adapter.
func (p *AdapterPool) Add(a bluetooth.Adapter) bool {
	if !p.Allowed(a) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.adapters[a.ID]
	if !ok {
		entry = &poolEntry{}
		p.adapters[a.ID] = entry
	}
	entry.adapter = a
	entry.available = true
	p.broadcastLocked()
	return true
}

// Remove marks an adapter unavailable and revokes any claim on it.
//
// The owning device is notified on its Watch.Revoked channel before Remove
// returns. The revoked claim is returned so callers can log it.
func (p *AdapterPool) Remove(adapterID string) (Claim, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.adapters[adapterID]
	if !ok {
		return Claim{}, false
	}
	entry.available = false

	revoked := entry.claim
	if !revoked.Valid() {
		return Claim{}, false
	}
	entry.claim = Claim{}

	if w, ok := p.watchers[revoked.DeviceID]; ok {
		deliverRevocation(w.revoked, revoked)
	}
	return revoked, true
}

// deliverRevocation hands c to a device. The channel holds one claim; an
// undelivered older revocation is replaced since a device holds at most one
// claim at a time. Only the pool sends, under its mutex, so the final send
// cannot block.
func deliverRevocation(ch chan Claim, c Claim) {
	select {
	case ch <- c:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- c
}

// Available returns the adapters that are present and unclaimed.
func (p *AdapterPool) Available() []bluetooth.Adapter {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]bluetooth.Adapter, 0, len(p.adapters))
	for _, e := range p.adapters {
		if e.available && !e.claim.Valid() {
			out = append(out, e.adapter)
		}
	}
	slices.SortFunc(out, func(a, b bluetooth.Adapter) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Ranked returns the available adapters best-first for the given device.
// Without a signal reporter the order is by adapter id.
func (p *AdapterPool) Ranked(ctx context.Context, addr bluetooth.Address) []bluetooth.Adapter {
	candidates := p.Available()

	p.mu.Lock()
	signal := p.signal
	p.mu.Unlock()
	if signal == nil || len(candidates) < 2 {
		return candidates
	}

	type scored struct {
		adapter bluetooth.Adapter
		rssi    int16
		seen    bool
	}
	scores := make([]scored, len(candidates))
	for i, a := range candidates {
		rssi, seen := signal.SignalStrength(ctx, a, addr)
		scores[i] = scored{adapter: a, rssi: rssi, seen: seen}
	}
	slices.SortStableFunc(scores, func(a, b scored) int {
		switch {
		case a.seen != b.seen:
			if a.seen {
				return -1
			}
			return 1
		case a.rssi != b.rssi:
			return int(b.rssi) - int(a.rssi)
		}
		return 0
	})

	for i, s := range scores {
		candidates[i] = s.adapter
	}
	return candidates
}

// Claim takes exclusive hold of an adapter for a device.
//
// It fails with ErrAdapterNotFound when the adapter is unknown or removed and
// with ErrAlreadyClaimed when another device holds it.
func (p *AdapterPool) Claim(adapterID, deviceID string) (Claim, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.adapters[adapterID]
	if !ok || !entry.available {
		return Claim{}, fmt.Errorf("%w: %s", ErrAdapterNotFound, adapterID)
	}
	if entry.claim.Valid() {
		return Claim{}, fmt.Errorf("%w: %s held by %s", ErrAlreadyClaimed, adapterID, entry.claim.DeviceID)
	}

	p.nextToken++
	entry.claim = Claim{AdapterID: adapterID, DeviceID: deviceID, token: p.nextToken}
	return entry.claim, nil
}

// Release returns a claim to the pool and notifies waiting devices.
// Releasing a stale or already released claim is a no-op.
func (p *AdapterPool) Release(c Claim) {
	if !c.Valid() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.adapters[c.AdapterID]
	if !ok || entry.claim.token != c.token {
		return
	}
	entry.claim = Claim{}
	if entry.available {
		p.broadcastLocked()
	}
}

// Watch registers a device for pool notifications. If an adapter is
// already claimable the first signal is pending immediately.
func (p *AdapterPool) Watch(deviceID string) *Watch {
	w := &Watch{
		available: make(chan struct{}, 1),
		revoked:   make(chan Claim, 1),
	}
	w.Available = w.available
	w.Revoked = w.revoked

	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchers[deviceID] = w
	for _, e := range p.adapters {
		if e.available && !e.claim.Valid() {
			signal(w.available)
			break
		}
	}
	return w
}

// Unwatch removes a device's notification channels.
func (p *AdapterPool) Unwatch(deviceID string) {
	p.mu.Lock()
	delete(p.watchers, deviceID)
	p.mu.Unlock()
}

// Snapshot returns every known adapter, including removed ones, by id.
func (p *AdapterPool) Snapshot() []AdapterStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]AdapterStatus, 0, len(p.adapters))
	for _, e := range p.adapters {
		out = append(out, AdapterStatus{
			Adapter:   e.adapter,
			Available: e.available,
			ClaimedBy: e.claim.DeviceID,
		})
	}
	slices.SortFunc(out, func(a, b AdapterStatus) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Counts returns the number of present adapters and how many are unclaimed.
func (p *AdapterPool) Counts() (present, free int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.adapters {
		if !e.available {
			continue
		}
		present++
		if !e.claim.Valid() {
			free++
		}
	}
	return present, free
}

// broadcastLocked signals every watcher. Signals coalesce, so a slow device
// sees at most one pending notification and re-scans the pool itself.
func (p *AdapterPool) broadcastLocked() {
	for _, w := range p.watchers {
		signal(w.available)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
