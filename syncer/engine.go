// Package syncer reconciles persisted intent with live device state.
// The engine is purely event-driven: it reacts to registry events
// (a device coming up, intent going pending) and pushes whatever
// artifacts the device is missing. There is no scheduling or backoff;
// a failed push is retried on the next qualifying event.
package syncer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/appregistry"
	"github.com/ruteri/device-trust-manager/interfaces"
	"go.uber.org/atomic"
)

// ErrorKind classifies which reconciliation category a SyncError
// belongs to.
type ErrorKind int

const (
	// KindUnknown covers failures outside a single category, such as
	// an unreachable device or local state known to lag remote state.
	KindUnknown ErrorKind = iota

	// KindReset means a compensating rollback action failed and the
	// device may be left remotely claimed without a local record.
	KindReset

	// KindIdentity covers identity certificate pushes.
	KindIdentity

	// KindMembership covers membership certificate installs/removes.
	KindMembership

	// KindPolicy covers policy installs.
	KindPolicy
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindReset:
		return "reset"
	case KindIdentity:
		return "identity"
	case KindMembership:
		return "membership"
	case KindPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// SyncError reports one failed reconciliation attempt. It is emitted
// once per attempt and never persisted.
type SyncError struct {
	AppKey interfaces.PublicKeyID
	Kind   ErrorKind
	Status interfaces.RemoteStatus

	// Artifact is the credential or policy that failed to apply, nil
	// when no single artifact is at fault.
	Artifact []byte

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e SyncError) Error() string {
	msg := fmt.Sprintf("sync %s failed for %s: %s", e.Kind, e.AppKey, e.Status)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e SyncError) Unwrap() error { return e.Err }

// Engine drives reconciliation for all claimed devices. It must be
// started at most once; Sync may additionally be called directly at
// any time.
type Engine struct {
	log       *slog.Logger
	store     interfaces.CredentialStore
	registry  *appregistry.Registry
	transport interfaces.DeviceTransport
	issuer    interfaces.CertificateIssuer

	inFlight atomic.Int64

	mu   sync.Mutex
	subs map[*ErrorSubscription]struct{}
}

// New creates an engine. Start must be called for event-driven
// operation.
func New(store interfaces.CredentialStore, registry *appregistry.Registry, transport interfaces.DeviceTransport, issuer interfaces.CertificateIssuer, log *slog.Logger) *Engine {
	return &Engine{
		log:       log,
		store:     store,
		registry:  registry,
		transport: transport,
		issuer:    issuer,
		subs:      make(map[*ErrorSubscription]struct{}),
	}
}

// Start subscribes to registry events and reconciles in the background
// until the context is cancelled.
func (e *Engine) Start(ctx context.Context) {
	sub := e.registry.Subscribe()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if !shouldSync(ev) {
					continue
				}
				if err := e.Sync(ctx, ev.New.AppKey); err != nil {
					e.log.Debug("Reconciliation incomplete",
						slog.String("app", ev.New.AppKey.String()), "err", err)
				}
			}
		}
	}()
}

// shouldSync reports whether an event is a reconciliation trigger: a
// claimed device became reachable, or a reachable claimed device has
// outstanding intent.
func shouldSync(ev appregistry.Event) bool {
	app := ev.New
	if app.ClaimState != interfaces.ClaimStateClaimed || app.RunningState != interfaces.RunningStateRunning {
		return false
	}
	becameRunning := ev.Old == nil || ev.Old.RunningState != interfaces.RunningStateRunning
	return becameRunning || app.UpdatesPending()
}

// InFlight returns the number of reconciliations currently executing.
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Sync reconciles one device immediately. Categories already matching
// the remote state have their pending flag cleared without a push.
// Each failing category produces one SyncError report; the returned
// error aggregates them.
func (e *Engine) Sync(ctx context.Context, key interfaces.PublicKeyID) error {
	e.inFlight.Inc()
	defer e.inFlight.Dec()

	app, ok := e.registry.Get(key)
	if !ok || app.ClaimState != interfaces.ClaimStateClaimed {
		return nil
	}
	if app.RunningState != interfaces.RunningStateRunning || app.Address == "" {
		// Unreachable; the next announcement retriggers.
		return nil
	}

	record, err := e.store.GetManagedApplication(ctx, key)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load managed record: %w", err)
	}

	remote, err := e.transport.SecurityState(ctx, app.Address)
	if err != nil {
		e.Report(SyncError{
			AppKey: key,
			Kind:   KindUnknown,
			Status: interfaces.RemoteStatusUnreachable,
			Err:    err,
		})
		return fmt.Errorf("failed to read remote state: %w", err)
	}

	var errs []error
	if err := e.syncIdentity(ctx, app, record, remote); err != nil {
		errs = append(errs, err)
	}
	if err := e.syncMemberships(ctx, app, record, remote); err != nil {
		errs = append(errs, err)
	}
	if err := e.syncPolicy(ctx, app, remote); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) syncIdentity(ctx context.Context, app interfaces.OnlineApplication, record interfaces.ManagedApplicationInfo, remote interfaces.RemoteSecurityState) error {
	want := sha256.Sum256(record.IdentityCertificate)
	if remote.IdentityDigest == want {
		e.registry.ClearPending(app.AppKey, interfaces.SyncIdentity)
		return nil
	}

	status, err := e.transport.InstallIdentityCertificate(ctx, app.Address, record.IdentityCertificate)
	if err != nil {
		e.Report(SyncError{
			AppKey:   app.AppKey,
			Kind:     KindIdentity,
			Status:   status,
			Artifact: record.IdentityCertificate,
			Err:      err,
		})
		return fmt.Errorf("failed to install identity certificate: %w", err)
	}

	e.registry.ClearPending(app.AppKey, interfaces.SyncIdentity)
	return nil
}

func (e *Engine) syncMemberships(ctx context.Context, app interfaces.OnlineApplication, record interfaces.ManagedApplicationInfo, remote interfaces.RemoteSecurityState) error {
	want, err := e.store.GetMemberships(ctx, app.AppKey)
	if err != nil {
		return fmt.Errorf("failed to load membership intent: %w", err)
	}

	wanted := make(map[uuid.UUID]struct{}, len(want))
	for _, g := range want {
		wanted[g] = struct{}{}
	}
	installed := make(map[uuid.UUID]struct{}, len(remote.MembershipGroups))
	for _, g := range remote.MembershipGroups {
		installed[g] = struct{}{}
	}

	var errs []error
	for _, g := range want {
		if _, ok := installed[g]; ok {
			continue
		}
		if err := e.installMembership(ctx, app, record, g); err != nil {
			errs = append(errs, err)
		}
	}
	for _, g := range remote.MembershipGroups {
		if _, ok := wanted[g]; ok {
			continue
		}
		status, err := e.transport.RemoveMembershipCertificate(ctx, app.Address, g)
		if err != nil {
			e.Report(SyncError{AppKey: app.AppKey, Kind: KindMembership, Status: status, Err: err})
			errs = append(errs, fmt.Errorf("failed to remove membership %s: %w", g, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	e.registry.ClearPending(app.AppKey, interfaces.SyncMembership)
	return nil
}

func (e *Engine) installMembership(ctx context.Context, app interfaces.OnlineApplication, record interfaces.ManagedApplicationInfo, guid uuid.UUID) error {
	group, err := e.store.GetGroup(ctx, guid)
	if err != nil {
		return fmt.Errorf("failed to load group %s: %w", guid, err)
	}

	cert, err := e.issuer.IssueMembershipCertificate(group, record.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to issue membership certificate for %s: %w", guid, err)
	}

	status, err := e.transport.InstallMembershipCertificate(ctx, app.Address, guid, cert)
	if err != nil {
		e.Report(SyncError{AppKey: app.AppKey, Kind: KindMembership, Status: status, Artifact: cert, Err: err})
		return fmt.Errorf("failed to install membership %s: %w", guid, err)
	}
	return nil
}

func (e *Engine) syncPolicy(ctx context.Context, app interfaces.OnlineApplication, remote interfaces.RemoteSecurityState) error {
	stored, err := e.store.GetPolicy(ctx, app.AppKey)
	if errors.Is(err, interfaces.ErrNotFound) {
		// No policy intent yet; nothing to push.
		e.registry.ClearPending(app.AppKey, interfaces.SyncPolicy)
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to load policy intent: %w", err)
	}

	if remote.PolicyVersion == stored.Version {
		e.registry.ClearPending(app.AppKey, interfaces.SyncPolicy)
		return nil
	}

	status, err := e.transport.InstallPolicy(ctx, app.Address, stored.Version, stored.Data)
	if err != nil {
		e.Report(SyncError{
			AppKey:   app.AppKey,
			Kind:     KindPolicy,
			Status:   status,
			Artifact: stored.Data,
			Err:      err,
		})
		return fmt.Errorf("failed to install policy v%d: %w", stored.Version, err)
	}

	e.registry.ClearPending(app.AppKey, interfaces.SyncPolicy)
	return nil
}

// Report logs a reconciliation failure and fans it out to error
// listeners. The claiming protocol uses it for rollback failures
// (KindReset) and for local-behind-remote anomalies (KindUnknown).
func (e *Engine) Report(serr SyncError) {
	e.log.Warn("Sync error",
		slog.String("app", serr.AppKey.String()),
		slog.String("kind", serr.Kind.String()),
		slog.String("status", serr.Status.String()),
		"err", serr.Err)

	e.mu.Lock()
	defer e.mu.Unlock()
	for sub := range e.subs {
		sub.push(serr)
	}
}
