package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// PublicKeyID is the opaque identifier derived from a device's public
// key. It is the universal primary key for a device across the
// registry, the credential store and wire operations: two entities
// with equal PublicKeyID denote the same device regardless of
// transport address.
type PublicKeyID [20]byte

// NewPublicKeyID derives the identifier from a PEM-encoded device
// public key: the last 20 bytes of the Keccak-256 hash of the key
// material, so the ID is stable across re-announcements.
func NewPublicKeyID(publicKeyPEM []byte) PublicKeyID {
	var id PublicKeyID
	hash := ethcrypto.Keccak256(publicKeyPEM)
	copy(id[:], hash[12:])
	return id
}

// NewPublicKeyIDFromBytes creates an identifier from its raw 20-byte form.
func NewPublicKeyIDFromBytes(raw []byte) (PublicKeyID, error) {
	if len(raw) != 20 {
		return PublicKeyID{}, errors.New("invalid public key ID length: must be 20 bytes")
	}

	var id PublicKeyID
	copy(id[:], raw)
	return id, nil
}

// NewPublicKeyIDFromHex parses a hex-encoded identifier, with or
// without a 0x prefix.
func NewPublicKeyIDFromHex(s string) (PublicKeyID, error) {
	clean := strings.TrimPrefix(s, "0x")
	if len(clean) != 40 {
		return PublicKeyID{}, errors.New("invalid public key ID length: hex string must be 40 characters")
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return PublicKeyID{}, fmt.Errorf("invalid hex format: %w", err)
	}
	return NewPublicKeyIDFromBytes(raw)
}

// String returns the hex representation of the identifier.
func (id PublicKeyID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 20-byte identifier.
func (id PublicKeyID) Bytes() []byte {
	return id[:]
}

// Equal compares two identifiers.
func (id PublicKeyID) Equal(other PublicKeyID) bool {
	return id == other
}

// MarshalText implements encoding.TextMarshaler so the identifier can
// be used as a JSON map key in persisted snapshots.
func (id PublicKeyID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *PublicKeyID) UnmarshalText(text []byte) error {
	parsed, err := NewPublicKeyIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DeviceAddress is the ephemeral transport address of a running
// device. It is empty while the device is offline and carries no
// identity; PublicKeyID does.
type DeviceAddress string

// String returns the address as a string.
func (a DeviceAddress) String() string {
	return string(a)
}

// ClaimState tracks where a device stands in the claiming state machine.
type ClaimState int

const (
	// ClaimStateUnknown is the zero value, used in queries to mean "any".
	ClaimStateUnknown ClaimState = iota

	// ClaimStateClaimable marks a discovered device with no local claim record.
	ClaimStateClaimable

	// ClaimStateClaiming marks a device with a claim attempt in flight.
	ClaimStateClaiming

	// ClaimStateClaimed marks a device owned by this trust domain.
	ClaimStateClaimed

	// ClaimStateClaimFailed marks a device whose remote state was left
	// inconsistent by a failed claim and could not be rolled back.
	ClaimStateClaimFailed
)

// String returns the state name.
func (s ClaimState) String() string {
	switch s {
	case ClaimStateClaimable:
		return "claimable"
	case ClaimStateClaiming:
		return "claiming"
	case ClaimStateClaimed:
		return "claimed"
	case ClaimStateClaimFailed:
		return "claim_failed"
	default:
		return "unknown"
	}
}

// RunningState is derived from the presence of a live transport address.
type RunningState int

const (
	// RunningStateNotRunning means the device is currently unreachable.
	RunningStateNotRunning RunningState = iota

	// RunningStateRunning means the device announced itself and has an address.
	RunningStateRunning
)

// String returns the state name.
func (s RunningState) String() string {
	if s == RunningStateRunning {
		return "running"
	}
	return "not_running"
}

// SyncCategory identifies one independently synchronized artifact
// category of a claimed device.
type SyncCategory uint8

const (
	// SyncIdentity covers the identity certificate.
	SyncIdentity SyncCategory = 1 << iota

	// SyncMembership covers the membership certificate set.
	SyncMembership

	// SyncPolicy covers the installed access policy.
	SyncPolicy
)

// String returns the category name.
func (c SyncCategory) String() string {
	switch c {
	case SyncIdentity:
		return "identity"
	case SyncMembership:
		return "membership"
	case SyncPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// OnlineApplication is the registry's view of a discovered device.
// Instances handed out by the registry are snapshot copies; mutating
// them never affects registry state.
type OnlineApplication struct {
	// AppKey identifies the device.
	AppKey PublicKeyID

	// PublicKey is the PEM-encoded device public key as declared in
	// the discovery announcement.
	PublicKey []byte

	// Address is the current transport address, empty when offline.
	Address DeviceAddress

	// DeviceName, AppName and AppID are announcement metadata.
	DeviceName string
	AppName    string
	AppID      uuid.UUID

	// Manifest is the canonical serialized manifest the device
	// declared in its announcement, empty if none was declared.
	Manifest []byte

	ClaimState   ClaimState
	RunningState RunningState

	// Pending is the set of artifact categories with unconfirmed
	// outstanding intent, as a SyncCategory bitmask.
	Pending SyncCategory

	// Anomaly is set when the device is known to be remotely claimed
	// but no local record exists (persistence failed mid-claim).
	Anomaly bool
}

// UpdatesPending reports whether any artifact category has
// unconfirmed outstanding intent.
func (a OnlineApplication) UpdatesPending() bool {
	return a.Pending != 0
}

// IdentityInfo describes an identity issued by this trust domain.
// Authority and GUID form the composite key.
type IdentityInfo struct {
	// Authority is the PEM-encoded public key of the issuer.
	Authority []byte `json:"authority"`

	GUID uuid.UUID `json:"guid"`
	Name string    `json:"name"`
}

// Key returns the composite store key for the identity.
func (i IdentityInfo) Key() string {
	return hex.EncodeToString(ethcrypto.Keccak256(i.Authority)) + "/" + i.GUID.String()
}

// GroupInfo describes a trust-domain-scoped group that devices can be
// granted membership in.
type GroupInfo struct {
	GUID        uuid.UUID `json:"guid"`
	Name        string    `json:"name"`
	Description string    `json:"description"`

	// Authority is the PEM-encoded public key attesting memberships
	// of this group.
	Authority []byte `json:"authority"`
}

// ManagedApplicationInfo is the persisted record of a claimed device.
type ManagedApplicationInfo struct {
	AppKey PublicKeyID `json:"app_key"`

	// PublicKey is the PEM-encoded device public key, kept so
	// credentials can be reissued while the device is offline.
	PublicKey []byte `json:"public_key"`

	UserDefinedName string    `json:"user_defined_name"`
	DeviceName      string    `json:"device_name"`
	AppName         string    `json:"app_name"`
	AppID           uuid.UUID `json:"app_id"`

	// Identity is the identity bound to the device at claim time.
	Identity IdentityInfo `json:"identity"`

	// Manifest is the canonical serialized manifest approved at claim
	// time.
	Manifest []byte `json:"manifest"`

	// IdentityCertificate is the currently intended identity
	// certificate. Sync pushes this exact artifact, so its digest is
	// stable across retries.
	IdentityCertificate IdentityCertificate `json:"identity_certificate"`
}

// StoredPolicy is a persisted policy in canonical serialized form,
// with the store-assigned monotonic version used by the sync diff.
type StoredPolicy struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// RootOfTrust is the PEM-encoded public key of a trust domain's
// signing authority, as installed on claimed devices.
type RootOfTrust []byte

// Equal compares two roots of trust byte-for-byte.
func (r RootOfTrust) Equal(other RootOfTrust) bool {
	return bytes.Equal(r, other)
}

// IdentityCertificate is a PEM-encoded certificate binding an identity
// to a device public key, signed by the trust domain authority.
type IdentityCertificate []byte

// MembershipCertificate is a PEM-encoded certificate attesting a
// device's membership in a group, signed by the group authority.
type MembershipCertificate []byte
