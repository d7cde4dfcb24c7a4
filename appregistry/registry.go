// Package appregistry maintains the in-memory index of discovered
// applications keyed by public key ID. It is the single source of what
// the manager currently believes about each device: claim state,
// liveness and pending-update flags. All state lives behind one mutex;
// the lock is never held across storage or transport calls.
package appregistry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
)

// Announcement carries the discovery metadata a device broadcasts.
type Announcement struct {
	// PublicKey is the PEM-encoded device public key. The registry
	// derives the device's PublicKeyID from it.
	PublicKey []byte

	Address    interfaces.DeviceAddress
	DeviceName string
	AppName    string
	AppID      uuid.UUID

	// Manifest is the canonical serialized manifest the device
	// declares, empty if none.
	Manifest []byte
}

// Event describes one registry mutation. Old is nil for the first
// discovery of a device.
type Event struct {
	Old *interfaces.OnlineApplication
	New interfaces.OnlineApplication
}

// Registry is the thread-safe application index.
type Registry struct {
	log   *slog.Logger
	store interfaces.CredentialStore

	mu      sync.Mutex
	apps    map[interfaces.PublicKeyID]*interfaces.OnlineApplication
	changed chan struct{}
	subs    map[*Subscription]struct{}
}

// New creates a registry. The credential store is consulted on first
// discovery of a device to resolve its claim state.
func New(store interfaces.CredentialStore, log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		store:   store,
		apps:    make(map[interfaces.PublicKeyID]*interfaces.OnlineApplication),
		changed: make(chan struct{}),
		subs:    make(map[*Subscription]struct{}),
	}
}

// OnAnnouncement upserts a device from a discovery announcement. For a
// previously unseen key the claim state is resolved against the
// credential store: claimed if a managed record exists, claimable
// otherwise. The device is marked running and listeners are notified.
func (r *Registry) OnAnnouncement(ctx context.Context, ann Announcement) interfaces.OnlineApplication {
	key := interfaces.NewPublicKeyID(ann.PublicKey)

	// Resolve before taking the lock; the store may be slow.
	resolved := interfaces.ClaimStateClaimable
	if _, err := r.store.GetManagedApplication(ctx, key); err == nil {
		resolved = interfaces.ClaimStateClaimed
	} else if !errors.Is(err, interfaces.ErrNotFound) {
		r.log.Warn("Claim state resolution failed, treating as claimable",
			slog.String("app", key.String()), "err", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	app, seen := r.apps[key]
	var old *interfaces.OnlineApplication
	if !seen {
		app = &interfaces.OnlineApplication{
			AppKey:     key,
			ClaimState: resolved,
		}
		r.apps[key] = app
	} else {
		prev := *app
		old = &prev
	}

	app.PublicKey = append([]byte(nil), ann.PublicKey...)
	app.Address = ann.Address
	app.DeviceName = ann.DeviceName
	app.AppName = ann.AppName
	app.AppID = ann.AppID
	if len(ann.Manifest) > 0 {
		app.Manifest = append([]byte(nil), ann.Manifest...)
	}
	app.RunningState = interfaces.RunningStateRunning

	r.notifyLocked(old, *app)
	return *app
}

// OnLost marks a device unreachable: the address is cleared and the
// running state flips. The record persists until an explicit Remove.
func (r *Registry) OnLost(key interfaces.PublicKeyID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[key]
	if !ok {
		return
	}

	prev := *app
	app.Address = ""
	app.RunningState = interfaces.RunningStateNotRunning
	r.notifyLocked(&prev, *app)
}

// Remove drops a device record entirely.
func (r *Registry) Remove(key interfaces.PublicKeyID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.apps, key)
	r.broadcastLocked()
}

// claimTransitions holds the legal claim state machine edges.
var claimTransitions = map[interfaces.ClaimState][]interfaces.ClaimState{
	interfaces.ClaimStateClaimable:   {interfaces.ClaimStateClaiming},
	interfaces.ClaimStateClaiming:    {interfaces.ClaimStateClaimed, interfaces.ClaimStateClaimable, interfaces.ClaimStateClaimFailed},
	interfaces.ClaimStateClaimed:     {interfaces.ClaimStateClaimable},
	interfaces.ClaimStateClaimFailed: {interfaces.ClaimStateClaimable},
}

// UpdateClaimState transitions a device's claim state, enforcing the
// claiming state machine. Listeners are notified with old and new
// snapshots.
func (r *Registry) UpdateClaimState(key interfaces.PublicKeyID, state interfaces.ClaimState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[key]
	if !ok {
		return interfaces.ErrNotFound
	}

	legal := false
	for _, next := range claimTransitions[app.ClaimState] {
		if next == state {
			legal = true
			break
		}
	}
	if !legal {
		return interfaces.ErrInvalidState
	}

	prev := *app
	app.ClaimState = state
	if state == interfaces.ClaimStateClaimed {
		app.Anomaly = false
	}
	r.notifyLocked(&prev, *app)
	return nil
}

// SetPending marks an artifact category as having unconfirmed intent.
// Listeners are notified even when the category is already pending:
// every intent mutation is a reconciliation trigger, including ones
// that land while an earlier push for the same category is still
// unconfirmed.
func (r *Registry) SetPending(key interfaces.PublicKeyID, category interfaces.SyncCategory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[key]
	if !ok {
		return
	}

	prev := *app
	app.Pending |= category
	r.notifyLocked(&prev, *app)
}

// ClearPending clears a category once the device acknowledged it.
func (r *Registry) ClearPending(key interfaces.PublicKeyID, category interfaces.SyncCategory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[key]
	if !ok || app.Pending&category == 0 {
		return
	}

	prev := *app
	app.Pending &^= category
	r.notifyLocked(&prev, *app)
}

// SetAnomaly flags a device whose remote state is known to be ahead of
// local state.
func (r *Registry) SetAnomaly(key interfaces.PublicKeyID, anomaly bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[key]
	if !ok || app.Anomaly == anomaly {
		return
	}

	prev := *app
	app.Anomaly = anomaly
	r.notifyLocked(&prev, *app)
}

// IntentChanged implements interfaces.IntentObserver: a mutating store
// operation touched the device's intent, so the matching category goes
// pending.
func (r *Registry) IntentChanged(key interfaces.PublicKeyID, category interfaces.SyncCategory) {
	r.SetPending(key, category)
}

// Get returns a snapshot of one device.
func (r *Registry) Get(key interfaces.PublicKeyID) (interfaces.OnlineApplication, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[key]
	if !ok {
		return interfaces.OnlineApplication{}, false
	}
	return *app, true
}

// Query returns snapshot copies of all devices, optionally filtered by
// claim state (ClaimStateUnknown matches all). Mutations after return
// never affect the snapshots.
func (r *Registry) Query(state interfaces.ClaimState) []interfaces.OnlineApplication {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]interfaces.OnlineApplication, 0, len(r.apps))
	for _, app := range r.apps {
		if state != interfaces.ClaimStateUnknown && app.ClaimState != state {
			continue
		}
		out = append(out, *app)
	}
	return out
}

// WaitForPredicate blocks until the predicate holds over a registry
// snapshot or the timeout elapses. The current state is checked before
// waiting and rechecked on every mutation, so a qualifying transition
// concurrent with the call is never missed. A timed-out wait has no
// side effects.
func (r *Registry) WaitForPredicate(pred func([]interfaces.OnlineApplication) bool, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		snapshot := make([]interfaces.OnlineApplication, 0, len(r.apps))
		for _, app := range r.apps {
			snapshot = append(snapshot, *app)
		}
		changed := r.changed
		r.mu.Unlock()

		if pred(snapshot) {
			return true
		}

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// notifyLocked queues the event for every subscriber and wakes
// waiters. Caller holds r.mu, which is what guarantees per-listener
// FIFO in mutation order.
func (r *Registry) notifyLocked(old *interfaces.OnlineApplication, now interfaces.OnlineApplication) {
	ev := Event{Old: old, New: now}
	for sub := range r.subs {
		sub.push(ev)
	}
	r.broadcastLocked()
}

func (r *Registry) broadcastLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}
