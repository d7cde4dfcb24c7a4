// Package secmgr implements the trust domain control plane: the
// claiming protocol that brings a device under management, its inverse
// (unclaim), and the membership and policy sub-protocols available for
// claimed devices. The manager never holds registry or store locks
// across transport calls; remote operations run lock-free and registry
// state is updated atomically afterwards.
package secmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/appregistry"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/ruteri/device-trust-manager/policy"
	"github.com/ruteri/device-trust-manager/syncer"
)

// SecurityManager orchestrates claim, unclaim and credential
// management for one trust domain.
type SecurityManager struct {
	log       *slog.Logger
	store     interfaces.CredentialStore
	registry  *appregistry.Registry
	transport interfaces.DeviceTransport
	issuer    interfaces.CertificateIssuer
	approver  interfaces.ManifestApprover
	sync      *syncer.Engine
}

// Config collects the manager's collaborators.
type Config struct {
	Store     interfaces.CredentialStore
	Registry  *appregistry.Registry
	Transport interfaces.DeviceTransport
	Issuer    interfaces.CertificateIssuer

	// Approver is consulted during claiming; nil approves everything.
	Approver interfaces.ManifestApprover

	Syncer *syncer.Engine
	Log    *slog.Logger
}

// New creates a security manager.
func New(cfg Config) *SecurityManager {
	approver := cfg.Approver
	if approver == nil {
		approver = interfaces.ManifestApproverFunc(func(interfaces.OnlineApplication, []byte) bool { return true })
	}
	return &SecurityManager{
		log:       cfg.Log,
		store:     cfg.Store,
		registry:  cfg.Registry,
		transport: cfg.Transport,
		issuer:    cfg.Issuer,
		approver:  approver,
		sync:      cfg.Syncer,
	}
}

// compensation is one rollback action of a partially executed claim.
type compensation struct {
	name     string
	artifact []byte
	run      func(ctx context.Context) (interfaces.RemoteStatus, error)
}

// rollback executes compensations in reverse order. A failing
// compensation leaves the device remotely inconsistent, which is
// reported as a reset sync error, never swallowed.
func (m *SecurityManager) rollback(ctx context.Context, key interfaces.PublicKeyID, comps []compensation) {
	for i := len(comps) - 1; i >= 0; i-- {
		status, err := comps[i].run(ctx)
		if err == nil {
			continue
		}
		m.log.Error("Claim rollback action failed",
			slog.String("app", key.String()),
			slog.String("action", comps[i].name), "err", err)
		m.sync.Report(syncer.SyncError{
			AppKey:   key,
			Kind:     syncer.KindReset,
			Status:   status,
			Artifact: comps[i].artifact,
			Err:      err,
		})
	}
}

// Claim brings a claimable device into the trust domain: it installs
// the root of trust and an identity certificate on the device, asks the
// manifest approver, persists the managed record and flips the claim
// state. On any failure before persistence the remote installs are
// rolled back and the device returns to claimable.
func (m *SecurityManager) Claim(ctx context.Context, key interfaces.PublicKeyID, identity interfaces.IdentityInfo) error {
	app, ok := m.registry.Get(key)
	if !ok {
		return interfaces.ErrNotFound
	}
	if app.ClaimState != interfaces.ClaimStateClaimable {
		return fmt.Errorf("cannot claim %s in state %s: %w", key, app.ClaimState, interfaces.ErrInvalidState)
	}
	if app.RunningState != interfaces.RunningStateRunning || app.Address == "" {
		return fmt.Errorf("cannot claim unreachable device %s: %w", key, interfaces.ErrInvalidState)
	}

	// Concurrent claims race on this transition; exactly one wins.
	if err := m.registry.UpdateClaimState(key, interfaces.ClaimStateClaiming); err != nil {
		return fmt.Errorf("cannot claim %s: %w", key, err)
	}

	err := m.claimRemote(ctx, key, app, identity)
	if err == nil {
		return nil
	}

	// The device is remotely clean (or a reset error was reported);
	// locally nothing was retained.
	if stateErr := m.registry.UpdateClaimState(key, interfaces.ClaimStateClaimable); stateErr != nil {
		m.log.Error("Failed to return device to claimable",
			slog.String("app", key.String()), "err", stateErr)
	}
	return err
}

func (m *SecurityManager) claimRemote(ctx context.Context, key interfaces.PublicKeyID, app interfaces.OnlineApplication, identity interfaces.IdentityInfo) error {
	rot := m.issuer.RootOfTrust()
	var comps []compensation

	if _, err := m.transport.InstallRootOfTrust(ctx, app.Address, rot); err != nil {
		return fmt.Errorf("failed to install root of trust on %s: %w", key, err)
	}
	comps = append(comps, compensation{
		name:     "remove root of trust",
		artifact: rot,
		run: func(ctx context.Context) (interfaces.RemoteStatus, error) {
			return m.transport.RemoveRootOfTrust(ctx, app.Address, rot)
		},
	})

	cert, err := m.issuer.IssueIdentityCertificate(identity, app.PublicKey)
	if err != nil {
		m.rollback(ctx, key, comps)
		return fmt.Errorf("failed to issue identity certificate for %s: %w: %w", key, interfaces.ErrIdentityGeneration, err)
	}

	if _, err := m.transport.InstallIdentityCertificate(ctx, app.Address, cert); err != nil {
		m.rollback(ctx, key, comps)
		return fmt.Errorf("failed to install identity certificate on %s: %w", key, err)
	}

	if !m.approver.Approve(app, app.Manifest) {
		m.rollback(ctx, key, comps)
		return fmt.Errorf("manifest declined for %s: %w", key, interfaces.ErrManifestRejected)
	}

	if err := m.store.StoreIdentity(ctx, identity); err != nil {
		m.rollback(ctx, key, comps)
		return fmt.Errorf("failed to persist identity: %w: %w", interfaces.ErrPersistence, err)
	}

	record := interfaces.ManagedApplicationInfo{
		AppKey:              key,
		PublicKey:           app.PublicKey,
		UserDefinedName:     identity.Name,
		DeviceName:          app.DeviceName,
		AppName:             app.AppName,
		AppID:               app.AppID,
		Identity:            identity,
		Manifest:            app.Manifest,
		IdentityCertificate: cert,
	}
	if err := m.store.StoreManagedApplication(ctx, record); err != nil {
		// Remote state is now ahead of local state. The device stays
		// claimable with an anomaly flag; a later re-announcement
		// reconciles it, and a written record wins from then on.
		m.registry.SetAnomaly(key, true)
		m.sync.Report(syncer.SyncError{
			AppKey: key,
			Kind:   syncer.KindUnknown,
			Status: interfaces.RemoteStatusOK,
			Err:    err,
		})
		return fmt.Errorf("failed to persist managed record for %s: %w: %w", key, interfaces.ErrPersistence, err)
	}

	if err := m.registry.UpdateClaimState(key, interfaces.ClaimStateClaimed); err != nil {
		return fmt.Errorf("failed to finish claim of %s: %w", key, err)
	}

	m.log.Info("Device claimed",
		slog.String("app", key.String()),
		slog.String("identity", identity.Name))
	return nil
}

// Unclaim removes a device from the trust domain: membership
// certificates and the root of trust are removed remotely (best
// effort), then the managed record and all intent rows are deleted.
// Remote teardown failures are reported as reset sync errors and do
// not block the local removal.
func (m *SecurityManager) Unclaim(ctx context.Context, key interfaces.PublicKeyID) error {
	record, err := m.store.GetManagedApplication(ctx, key)
	if err != nil {
		return fmt.Errorf("cannot unclaim %s: %w", key, err)
	}

	app, online := m.registry.Get(key)
	reachable := online && app.RunningState == interfaces.RunningStateRunning && app.Address != ""

	if reachable {
		memberships, err := m.store.GetMemberships(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to load memberships of %s: %w", key, err)
		}
		for _, group := range memberships {
			if status, err := m.transport.RemoveMembershipCertificate(ctx, app.Address, group); err != nil {
				m.sync.Report(syncer.SyncError{AppKey: key, Kind: syncer.KindReset, Status: status, Err: err})
			}
		}
		rot := m.issuer.RootOfTrust()
		if status, err := m.transport.RemoveRootOfTrust(ctx, app.Address, rot); err != nil {
			m.sync.Report(syncer.SyncError{AppKey: key, Kind: syncer.KindReset, Status: status, Artifact: rot, Err: err})
		}
	} else {
		m.sync.Report(syncer.SyncError{
			AppKey: key,
			Kind:   syncer.KindReset,
			Status: interfaces.RemoteStatusUnreachable,
			Err:    errors.New("device offline during unclaim, remote credentials not removed"),
		})
	}

	if err := m.store.RemoveManagedApplication(ctx, key); err != nil {
		return fmt.Errorf("failed to remove managed record for %s: %w", key, err)
	}

	if online {
		if err := m.registry.UpdateClaimState(key, interfaces.ClaimStateClaimable); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			m.log.Warn("Failed to mark unclaimed device claimable",
				slog.String("app", key.String()), "err", err)
		}
		for _, cat := range []interfaces.SyncCategory{interfaces.SyncIdentity, interfaces.SyncMembership, interfaces.SyncPolicy} {
			m.registry.ClearPending(key, cat)
		}
	}

	m.log.Info("Device unclaimed",
		slog.String("app", key.String()),
		slog.String("identity", record.Identity.Name))
	return nil
}

// UpdateIdentity reissues the identity certificate of a claimed device
// under a new identity. The new certificate flows to the device through
// the synchronization engine.
func (m *SecurityManager) UpdateIdentity(ctx context.Context, key interfaces.PublicKeyID, identity interfaces.IdentityInfo) error {
	record, err := m.store.GetManagedApplication(ctx, key)
	if err != nil {
		return fmt.Errorf("cannot update identity of %s: %w", key, err)
	}

	cert, err := m.issuer.IssueIdentityCertificate(identity, record.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to issue identity certificate for %s: %w: %w", key, interfaces.ErrIdentityGeneration, err)
	}

	if err := m.store.StoreIdentity(ctx, identity); err != nil {
		return fmt.Errorf("failed to persist identity: %w", err)
	}
	if err := m.store.UpdateIdentityCertificate(ctx, key, cert); err != nil {
		return fmt.Errorf("failed to persist identity certificate for %s: %w", key, err)
	}
	return nil
}

// InstallMembership records membership intent for a claimed device.
// The certificate reaches the device asynchronously via sync.
func (m *SecurityManager) InstallMembership(ctx context.Context, key interfaces.PublicKeyID, group uuid.UUID) error {
	if err := m.requireClaimed(key); err != nil {
		return err
	}
	if _, err := m.store.GetGroup(ctx, group); err != nil {
		return fmt.Errorf("unknown group %s: %w", group, err)
	}
	return m.store.InstallMembership(ctx, key, group)
}

// RemoveMembership removes membership intent for a claimed device.
func (m *SecurityManager) RemoveMembership(ctx context.Context, key interfaces.PublicKeyID, group uuid.UUID) error {
	if err := m.requireClaimed(key); err != nil {
		return err
	}
	return m.store.RemoveMembership(ctx, key, group)
}

// UpdatePolicy stores a policy as the device's intent in canonical
// serialized form and returns the assigned version.
func (m *SecurityManager) UpdatePolicy(ctx context.Context, key interfaces.PublicKeyID, pol policy.Policy) (uint64, error) {
	if err := m.requireClaimed(key); err != nil {
		return 0, err
	}

	data, err := pol.Serialize()
	if err != nil {
		return 0, fmt.Errorf("failed to serialize policy: %w", err)
	}
	return m.store.UpdatePolicy(ctx, key, data)
}

// UpdateDefaultPolicy generates the default policy granting full access
// to the given groups and installs it as the device's intent.
func (m *SecurityManager) UpdateDefaultPolicy(ctx context.Context, key interfaces.PublicKeyID, groups []uuid.UUID) (uint64, error) {
	infos := make([]interfaces.GroupInfo, 0, len(groups))
	for _, guid := range groups {
		group, err := m.store.GetGroup(ctx, guid)
		if err != nil {
			return 0, fmt.Errorf("unknown group %s: %w", guid, err)
		}
		infos = append(infos, group)
	}
	return m.UpdatePolicy(ctx, key, policy.DefaultPolicy(infos))
}

// GetPolicy returns the parsed policy intent and its version.
func (m *SecurityManager) GetPolicy(ctx context.Context, key interfaces.PublicKeyID) (policy.Policy, uint64, error) {
	stored, err := m.store.GetPolicy(ctx, key)
	if err != nil {
		return policy.Policy{}, 0, err
	}
	pol, err := policy.Parse(stored.Data)
	if err != nil {
		return policy.Policy{}, 0, fmt.Errorf("stored policy is corrupt: %w", err)
	}
	return pol, stored.Version, nil
}

// requireClaimed checks the sub-protocol precondition.
func (m *SecurityManager) requireClaimed(key interfaces.PublicKeyID) error {
	app, ok := m.registry.Get(key)
	if !ok {
		return interfaces.ErrNotFound
	}
	if app.ClaimState != interfaces.ClaimStateClaimed {
		return fmt.Errorf("%s is %s, not claimed: %w", key, app.ClaimState, interfaces.ErrInvalidState)
	}
	return nil
}
