package interfaces

import (
	"context"

	"github.com/google/uuid"
)

// RemoteStatus is the status code a device returns for an install or
// remove request.
type RemoteStatus int

const (
	// RemoteStatusOK means the device acknowledged the operation.
	RemoteStatusOK RemoteStatus = iota

	// RemoteStatusRejected means the device refused the operation.
	RemoteStatusRejected

	// RemoteStatusUnreachable means the device could not be contacted.
	RemoteStatusUnreachable

	// RemoteStatusClaimWindowClosed means the device is not accepting
	// root-of-trust installs.
	RemoteStatusClaimWindowClosed
)

// String returns the status name.
func (s RemoteStatus) String() string {
	switch s {
	case RemoteStatusOK:
		return "ok"
	case RemoteStatusRejected:
		return "rejected"
	case RemoteStatusUnreachable:
		return "unreachable"
	case RemoteStatusClaimWindowClosed:
		return "claim_window_closed"
	default:
		return "unknown"
	}
}

// RemoteSecurityState is a device's self-reported security state, used
// by the synchronization engine to diff persisted intent against
// reality.
type RemoteSecurityState struct {
	// RootOfTrust is the installed trust anchor public key, nil if
	// the device is unclaimed.
	RootOfTrust RootOfTrust

	// IdentityDigest is the SHA-256 digest of the installed identity
	// certificate, zero if none is installed.
	IdentityDigest [32]byte

	// MembershipGroups are the group GUIDs of installed membership
	// certificates.
	MembershipGroups []uuid.UUID

	// PolicyVersion is the version of the installed policy, zero if
	// none is installed.
	PolicyVersion uint64
}

// DeviceTransport is the wire protocol boundary. It pushes credentials
// and policies to physical devices and reads back their security
// state. Implementations must be safe for concurrent use and must not
// hold locks across calls into other components.
//
// Every operation returns the device's RemoteStatus; a non-OK status
// is also reflected in a non-nil error wrapping ErrRemote.
type DeviceTransport interface {
	InstallRootOfTrust(ctx context.Context, addr DeviceAddress, rot RootOfTrust) (RemoteStatus, error)

	// RemoveRootOfTrust resets the device: removing the matching trust
	// anchor must also wipe the identity certificate, membership
	// certificates and policy installed under it, returning the device
	// to its pre-claim state. Claim rollback and unclaiming depend on
	// this being a full reset, not just an anchor removal.
	RemoveRootOfTrust(ctx context.Context, addr DeviceAddress, rot RootOfTrust) (RemoteStatus, error)

	InstallIdentityCertificate(ctx context.Context, addr DeviceAddress, cert IdentityCertificate) (RemoteStatus, error)

	InstallMembershipCertificate(ctx context.Context, addr DeviceAddress, group uuid.UUID, cert MembershipCertificate) (RemoteStatus, error)
	RemoveMembershipCertificate(ctx context.Context, addr DeviceAddress, group uuid.UUID) (RemoteStatus, error)

	// InstallPolicy pushes the canonical serialized policy together
	// with its store version.
	InstallPolicy(ctx context.Context, addr DeviceAddress, version uint64, policy []byte) (RemoteStatus, error)

	// SecurityState reads the device's current security state.
	SecurityState(ctx context.Context, addr DeviceAddress) (RemoteSecurityState, error)
}

// CertificateIssuer issues credentials signed by the trust domain
// authority. Key generation and signing are external crypto
// primitives; issuers are trusted black boxes here.
type CertificateIssuer interface {
	// RootOfTrust returns the authority public key installed on
	// claimed devices.
	RootOfTrust() RootOfTrust

	IssueIdentityCertificate(identity IdentityInfo, devicePublicKey []byte) (IdentityCertificate, error)
	IssueMembershipCertificate(group GroupInfo, devicePublicKey []byte) (MembershipCertificate, error)
}

// ManifestApprover is consulted synchronously during claiming with the
// device's declared manifest (canonical serialized form). Returning
// false aborts the claim.
type ManifestApprover interface {
	Approve(app OnlineApplication, manifest []byte) bool
}

// ManifestApproverFunc adapts a function to the ManifestApprover
// interface.
type ManifestApproverFunc func(app OnlineApplication, manifest []byte) bool

// Approve implements ManifestApprover.
func (f ManifestApproverFunc) Approve(app OnlineApplication, manifest []byte) bool {
	return f(app, manifest)
}
