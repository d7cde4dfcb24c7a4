package interfaces

import (
	"context"

	"github.com/google/uuid"
)

// IntentObserver is notified when a mutating store operation changes a
// claimed device's intent. The registry implements this to flip the
// device's UpdatesPending flag; the observer must not call back into
// the store.
type IntentObserver interface {
	IntentChanged(app PublicKeyID, category SyncCategory)
}

// CredentialStore is the persisted CRUD contract for identities,
// groups and managed application records.
//
// Semantics:
//   - StoreIdentity and StoreGroup are idempotent upserts on their
//     composite key.
//   - StoreManagedApplication is insert-only: storing for a key that
//     already has a record fails with ErrAlreadyClaimed.
//   - InstallMembership on an unknown application fails with
//     ErrNotFound; installing twice is a no-op success. RemoveMembership
//     of an absent membership fails with ErrNotFound.
//   - RemoveGroup fails with ErrGroupInUse while any application holds
//     an active membership for the group.
//   - RemoveManagedApplication also removes all membership and policy
//     intent rows for that key.
//
// Implementations serialize conflicting writes to the same composite
// key under their own lock; the last write wins.
type CredentialStore interface {
	StoreIdentity(ctx context.Context, identity IdentityInfo) error
	GetIdentity(ctx context.Context, authority []byte, guid uuid.UUID) (IdentityInfo, error)
	GetIdentities(ctx context.Context) ([]IdentityInfo, error)
	RemoveIdentity(ctx context.Context, authority []byte, guid uuid.UUID) error

	StoreGroup(ctx context.Context, group GroupInfo) error
	GetGroup(ctx context.Context, guid uuid.UUID) (GroupInfo, error)
	GetGroups(ctx context.Context) ([]GroupInfo, error)
	RemoveGroup(ctx context.Context, guid uuid.UUID) error

	StoreManagedApplication(ctx context.Context, info ManagedApplicationInfo) error
	GetManagedApplication(ctx context.Context, app PublicKeyID) (ManagedApplicationInfo, error)
	GetManagedApplications(ctx context.Context) ([]ManagedApplicationInfo, error)
	RemoveManagedApplication(ctx context.Context, app PublicKeyID) error

	// UpdateIdentityCertificate replaces the intended identity
	// certificate of a claimed device.
	UpdateIdentityCertificate(ctx context.Context, app PublicKeyID, cert IdentityCertificate) error

	InstallMembership(ctx context.Context, app PublicKeyID, group uuid.UUID) error
	RemoveMembership(ctx context.Context, app PublicKeyID, group uuid.UUID) error

	// GetMemberships returns the group GUIDs the application is a
	// member of, sorted by GUID string for deterministic diffing.
	GetMemberships(ctx context.Context, app PublicKeyID) ([]uuid.UUID, error)

	// UpdatePolicy stores the canonical serialized policy and assigns
	// the next monotonic version, which it returns.
	UpdatePolicy(ctx context.Context, app PublicKeyID, data []byte) (uint64, error)
	GetPolicy(ctx context.Context, app PublicKeyID) (StoredPolicy, error)

	SetManifest(ctx context.Context, app PublicKeyID, manifest []byte) error
	GetManifest(ctx context.Context, app PublicKeyID) ([]byte, error)

	// SetIntentObserver registers the observer for intent mutations.
	// At most one observer is supported; later calls replace it.
	SetIntentObserver(obs IntentObserver)
}
