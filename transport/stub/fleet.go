// Package stub simulates a fleet of claimable devices in memory. The
// fleet implements the device transport, so the whole control plane
// can run end to end without hardware: devices announce themselves,
// accept or reject credential installs, and report their security
// state. Failure injection makes the unhappy paths testable.
package stub

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/appregistry"
	"github.com/ruteri/device-trust-manager/cryptoutils"
	"github.com/ruteri/device-trust-manager/interfaces"
)

// Op names a transport operation for failure injection.
type Op string

const (
	OpInstallRootOfTrust Op = "install_root_of_trust"
	OpRemoveRootOfTrust  Op = "remove_root_of_trust"
	OpInstallIdentity    Op = "install_identity"
	OpInstallMembership  Op = "install_membership"
	OpRemoveMembership   Op = "remove_membership"
	OpInstallPolicy      Op = "install_policy"
	OpSecurityState      Op = "security_state"
)

// Fleet is a set of simulated devices addressed by stub:// URIs. It
// implements interfaces.DeviceTransport and is safe for concurrent
// use.
type Fleet struct {
	mu      sync.Mutex
	devices map[interfaces.DeviceAddress]*Device
}

// NewFleet creates an empty fleet.
func NewFleet() *Fleet {
	return &Fleet{devices: make(map[interfaces.DeviceAddress]*Device)}
}

// Device is one simulated device. All state is guarded by the fleet
// mutex; accessors return copies.
type Device struct {
	fleet *Fleet

	address    interfaces.DeviceAddress
	deviceName string
	appName    string
	appID      uuid.UUID
	publicKey  []byte
	manifest   []byte

	offline         bool
	claimWindowOpen bool
	rot             interfaces.RootOfTrust
	identity        interfaces.IdentityCertificate
	memberships     map[uuid.UUID]interfaces.MembershipCertificate
	policy          []byte
	policyVersion   uint64

	failNext map[Op]interfaces.RemoteStatus
}

// AddDevice creates a device with a fresh key pair and an open claim
// window. The manifest is the canonical serialized manifest the device
// will declare in announcements; it may be empty.
func (f *Fleet) AddDevice(name string, manifest []byte) (*Device, error) {
	key, err := cryptoutils.GenerateP256Key()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	pubPEM, err := cryptoutils.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device key: %w", err)
	}

	d := &Device{
		fleet:           f,
		address:         interfaces.DeviceAddress("stub://" + name),
		deviceName:      name,
		appName:         name + "-app",
		appID:           uuid.New(),
		publicKey:       pubPEM,
		manifest:        append([]byte(nil), manifest...),
		claimWindowOpen: true,
		memberships:     make(map[uuid.UUID]interfaces.MembershipCertificate),
		failNext:        make(map[Op]interfaces.RemoteStatus),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.devices[d.address]; exists {
		return nil, fmt.Errorf("device %s already exists", name)
	}
	f.devices[d.address] = d
	return d, nil
}

// Address returns the device's transport address.
func (d *Device) Address() interfaces.DeviceAddress { return d.address }

// PublicKey returns the PEM-encoded device public key.
func (d *Device) PublicKey() []byte { return append([]byte(nil), d.publicKey...) }

// Key returns the device's registry key.
func (d *Device) Key() interfaces.PublicKeyID { return interfaces.NewPublicKeyID(d.publicKey) }

// Announcement builds the discovery announcement the device would
// broadcast.
func (d *Device) Announcement() appregistry.Announcement {
	return appregistry.Announcement{
		PublicKey:  d.PublicKey(),
		Address:    d.address,
		DeviceName: d.deviceName,
		AppName:    d.appName,
		AppID:      d.appID,
		Manifest:   append([]byte(nil), d.manifest...),
	}
}

// Announce feeds the device's announcement into a registry, as the
// discovery layer would.
func (d *Device) Announce(ctx context.Context, reg *appregistry.Registry) interfaces.OnlineApplication {
	return reg.OnAnnouncement(ctx, d.Announcement())
}

// SetClaimWindow opens or closes the device's claim window. A closed
// window rejects root-of-trust installs with ClaimWindowClosed.
func (d *Device) SetClaimWindow(open bool) {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	d.claimWindowOpen = open
}

// SetOffline makes every transport call to the device fail with
// Unreachable until reset.
func (d *Device) SetOffline(offline bool) {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	d.offline = offline
}

// FailNext injects a one-shot failure: the next invocation of the
// given operation returns the status and a wrapped ErrRemote.
func (d *Device) FailNext(op Op, status interfaces.RemoteStatus) {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	d.failNext[op] = status
}

// Claimed reports whether a root of trust is installed.
func (d *Device) Claimed() bool {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	return len(d.rot) > 0
}

// IdentityCertificate returns the installed identity certificate, nil
// if none.
func (d *Device) IdentityCertificate() interfaces.IdentityCertificate {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	return append(interfaces.IdentityCertificate(nil), d.identity...)
}

// Memberships returns the group GUIDs with installed membership
// certificates, in unspecified order.
func (d *Device) Memberships() []uuid.UUID {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	out := make([]uuid.UUID, 0, len(d.memberships))
	for g := range d.memberships {
		out = append(out, g)
	}
	return out
}

// PolicyVersion returns the installed policy version, zero if none.
func (d *Device) PolicyVersion() uint64 {
	d.fleet.mu.Lock()
	defer d.fleet.mu.Unlock()
	return d.policyVersion
}

// statusErr turns a non-OK status into an error wrapping ErrRemote.
func statusErr(status interfaces.RemoteStatus) error {
	if status == interfaces.RemoteStatusOK {
		return nil
	}
	return fmt.Errorf("device returned %s: %w", status, interfaces.ErrRemote)
}

// checkOp resolves the device for an operation, applying offline state
// and injected failures. Caller holds f.mu.
func (f *Fleet) checkOp(addr interfaces.DeviceAddress, op Op) (*Device, interfaces.RemoteStatus) {
	d, ok := f.devices[addr]
	if !ok || d.offline {
		return nil, interfaces.RemoteStatusUnreachable
	}
	if status, injected := d.failNext[op]; injected {
		delete(d.failNext, op)
		return nil, status
	}
	return d, interfaces.RemoteStatusOK
}

// InstallRootOfTrust implements interfaces.DeviceTransport.
func (f *Fleet) InstallRootOfTrust(ctx context.Context, addr interfaces.DeviceAddress, rot interfaces.RootOfTrust) (interfaces.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpInstallRootOfTrust)
	if d == nil {
		return status, statusErr(status)
	}
	if !d.claimWindowOpen {
		return interfaces.RemoteStatusClaimWindowClosed, statusErr(interfaces.RemoteStatusClaimWindowClosed)
	}
	if len(d.rot) > 0 && !d.rot.Equal(rot) {
		return interfaces.RemoteStatusRejected, statusErr(interfaces.RemoteStatusRejected)
	}

	d.rot = append(interfaces.RootOfTrust(nil), rot...)
	return interfaces.RemoteStatusOK, nil
}

// RemoveRootOfTrust implements interfaces.DeviceTransport. Removing
// the installed root resets the device: identity, memberships and
// policy are wiped and the claim window reopens.
func (f *Fleet) RemoveRootOfTrust(ctx context.Context, addr interfaces.DeviceAddress, rot interfaces.RootOfTrust) (interfaces.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpRemoveRootOfTrust)
	if d == nil {
		return status, statusErr(status)
	}
	if len(d.rot) == 0 || !d.rot.Equal(rot) {
		return interfaces.RemoteStatusRejected, statusErr(interfaces.RemoteStatusRejected)
	}

	d.rot = nil
	d.identity = nil
	d.memberships = make(map[uuid.UUID]interfaces.MembershipCertificate)
	d.policy = nil
	d.policyVersion = 0
	d.claimWindowOpen = true
	return interfaces.RemoteStatusOK, nil
}

// InstallIdentityCertificate implements interfaces.DeviceTransport.
func (f *Fleet) InstallIdentityCertificate(ctx context.Context, addr interfaces.DeviceAddress, cert interfaces.IdentityCertificate) (interfaces.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpInstallIdentity)
	if d == nil {
		return status, statusErr(status)
	}
	if len(d.rot) == 0 {
		return interfaces.RemoteStatusRejected, statusErr(interfaces.RemoteStatusRejected)
	}

	d.identity = append(interfaces.IdentityCertificate(nil), cert...)
	return interfaces.RemoteStatusOK, nil
}

// InstallMembershipCertificate implements interfaces.DeviceTransport.
func (f *Fleet) InstallMembershipCertificate(ctx context.Context, addr interfaces.DeviceAddress, group uuid.UUID, cert interfaces.MembershipCertificate) (interfaces.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpInstallMembership)
	if d == nil {
		return status, statusErr(status)
	}
	if len(d.rot) == 0 {
		return interfaces.RemoteStatusRejected, statusErr(interfaces.RemoteStatusRejected)
	}

	d.memberships[group] = append(interfaces.MembershipCertificate(nil), cert...)
	return interfaces.RemoteStatusOK, nil
}

// RemoveMembershipCertificate implements interfaces.DeviceTransport.
func (f *Fleet) RemoveMembershipCertificate(ctx context.Context, addr interfaces.DeviceAddress, group uuid.UUID) (interfaces.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpRemoveMembership)
	if d == nil {
		return status, statusErr(status)
	}
	if _, ok := d.memberships[group]; !ok {
		return interfaces.RemoteStatusRejected, statusErr(interfaces.RemoteStatusRejected)
	}

	delete(d.memberships, group)
	return interfaces.RemoteStatusOK, nil
}

// InstallPolicy implements interfaces.DeviceTransport.
func (f *Fleet) InstallPolicy(ctx context.Context, addr interfaces.DeviceAddress, version uint64, policy []byte) (interfaces.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpInstallPolicy)
	if d == nil {
		return status, statusErr(status)
	}
	if len(d.rot) == 0 {
		return interfaces.RemoteStatusRejected, statusErr(interfaces.RemoteStatusRejected)
	}

	d.policy = append([]byte(nil), policy...)
	d.policyVersion = version
	return interfaces.RemoteStatusOK, nil
}

// SecurityState implements interfaces.DeviceTransport.
func (f *Fleet) SecurityState(ctx context.Context, addr interfaces.DeviceAddress) (interfaces.RemoteSecurityState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, status := f.checkOp(addr, OpSecurityState)
	if d == nil {
		return interfaces.RemoteSecurityState{}, statusErr(status)
	}

	state := interfaces.RemoteSecurityState{
		RootOfTrust:   append(interfaces.RootOfTrust(nil), d.rot...),
		PolicyVersion: d.policyVersion,
	}
	if len(d.identity) > 0 {
		state.IdentityDigest = sha256.Sum256(d.identity)
	}
	for g := range d.memberships {
		state.MembershipGroups = append(state.MembershipGroups, g)
	}
	return state, nil
}
