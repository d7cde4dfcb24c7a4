package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
)

// MemoryStore is the in-memory credential store. It implements the
// full CredentialStore contract and serializes conflicting writes
// under its own lock. An optional persister makes mutations durable;
// see NewPersistentStore.
type MemoryStore struct {
	mu sync.RWMutex

	identities  map[string]interfaces.IdentityInfo
	groups      map[uuid.UUID]interfaces.GroupInfo
	apps        map[interfaces.PublicKeyID]interfaces.ManagedApplicationInfo
	memberships map[interfaces.PublicKeyID]map[uuid.UUID]struct{}
	policies    map[interfaces.PublicKeyID]interfaces.StoredPolicy
	manifests   map[interfaces.PublicKeyID][]byte

	// policyVersion is a store-wide monotonic counter so a rewritten
	// policy always carries a version the device has not seen.
	policyVersion uint64

	persister Persister
	observer  interfaces.IntentObserver
}

// NewMemoryStore creates an empty volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:  make(map[string]interfaces.IdentityInfo),
		groups:      make(map[uuid.UUID]interfaces.GroupInfo),
		apps:        make(map[interfaces.PublicKeyID]interfaces.ManagedApplicationInfo),
		memberships: make(map[interfaces.PublicKeyID]map[uuid.UUID]struct{}),
		policies:    make(map[interfaces.PublicKeyID]interfaces.StoredPolicy),
		manifests:   make(map[interfaces.PublicKeyID][]byte),
	}
}

// SetIntentObserver registers the observer notified after intent
// mutations. The observer is invoked outside the store lock.
func (s *MemoryStore) SetIntentObserver(obs interfaces.IntentObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = obs
}

// notifyIntent reports an intent change after the lock is released.
func (s *MemoryStore) notifyIntent(app interfaces.PublicKeyID, category interfaces.SyncCategory) {
	s.mu.RLock()
	obs := s.observer
	s.mu.RUnlock()

	if obs != nil {
		obs.IntentChanged(app, category)
	}
}

// StoreIdentity upserts an identity on its composite key.
func (s *MemoryStore) StoreIdentity(ctx context.Context, identity interfaces.IdentityInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.identities[identity.Key()] = identity
	return s.persistLocked(ctx)
}

// GetIdentity fetches an identity by its composite key.
func (s *MemoryStore) GetIdentity(ctx context.Context, authority []byte, guid uuid.UUID) (interfaces.IdentityInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := interfaces.IdentityInfo{Authority: authority, GUID: guid}.Key()
	identity, ok := s.identities[key]
	if !ok {
		return interfaces.IdentityInfo{}, interfaces.ErrNotFound
	}
	return identity, nil
}

// GetIdentities returns all identities, sorted by composite key.
func (s *MemoryStore) GetIdentities(ctx context.Context) ([]interfaces.IdentityInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interfaces.IdentityInfo, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

// RemoveIdentity deletes an identity; ErrNotFound if absent.
func (s *MemoryStore) RemoveIdentity(ctx context.Context, authority []byte, guid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := interfaces.IdentityInfo{Authority: authority, GUID: guid}.Key()
	if _, ok := s.identities[key]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.identities, key)
	return s.persistLocked(ctx)
}

// StoreGroup upserts a group on its GUID.
func (s *MemoryStore) StoreGroup(ctx context.Context, group interfaces.GroupInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.groups[group.GUID] = group
	return s.persistLocked(ctx)
}

// GetGroup fetches a group by GUID.
func (s *MemoryStore) GetGroup(ctx context.Context, guid uuid.UUID) (interfaces.GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.groups[guid]
	if !ok {
		return interfaces.GroupInfo{}, interfaces.ErrNotFound
	}
	return group, nil
}

// GetGroups returns all groups, sorted by GUID.
func (s *MemoryStore) GetGroups(ctx context.Context) ([]interfaces.GroupInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interfaces.GroupInfo, 0, len(s.groups))
	for _, group := range s.groups {
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GUID.String() < out[j].GUID.String() })
	return out, nil
}

// RemoveGroup deletes a group. It fails with ErrGroupInUse while any
// application holds an active membership for it.
func (s *MemoryStore) RemoveGroup(ctx context.Context, guid uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[guid]; !ok {
		return interfaces.ErrNotFound
	}
	for app, groups := range s.memberships {
		if _, member := groups[guid]; member {
			return fmt.Errorf("%w: group %s is referenced by application %s", interfaces.ErrGroupInUse, guid, app)
		}
	}
	delete(s.groups, guid)
	return s.persistLocked(ctx)
}

// StoreManagedApplication records a claim. It is insert-only:
// re-claiming an already-claimed key fails with ErrAlreadyClaimed.
func (s *MemoryStore) StoreManagedApplication(ctx context.Context, info interfaces.ManagedApplicationInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[info.AppKey]; ok {
		return interfaces.ErrAlreadyClaimed
	}
	s.apps[info.AppKey] = info
	if len(info.Manifest) > 0 {
		s.manifests[info.AppKey] = append([]byte(nil), info.Manifest...)
	}
	return s.persistLocked(ctx)
}

// GetManagedApplication fetches the claim record for a key.
func (s *MemoryStore) GetManagedApplication(ctx context.Context, app interfaces.PublicKeyID) (interfaces.ManagedApplicationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.apps[app]
	if !ok {
		return interfaces.ManagedApplicationInfo{}, interfaces.ErrNotFound
	}
	return info, nil
}

// GetManagedApplications returns all claim records, sorted by key.
func (s *MemoryStore) GetManagedApplications(ctx context.Context) ([]interfaces.ManagedApplicationInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]interfaces.ManagedApplicationInfo, 0, len(s.apps))
	for _, info := range s.apps {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppKey.String() < out[j].AppKey.String() })
	return out, nil
}

// RemoveManagedApplication unclaims a key, invalidating all membership
// and policy intent rows for it.
func (s *MemoryStore) RemoveManagedApplication(ctx context.Context, app interfaces.PublicKeyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app]; !ok {
		return interfaces.ErrNotFound
	}
	delete(s.apps, app)
	delete(s.memberships, app)
	delete(s.policies, app)
	delete(s.manifests, app)
	return s.persistLocked(ctx)
}

// UpdateIdentityCertificate replaces the intended identity certificate
// of a claimed key.
func (s *MemoryStore) UpdateIdentityCertificate(ctx context.Context, app interfaces.PublicKeyID, cert interfaces.IdentityCertificate) error {
	s.mu.Lock()
	info, ok := s.apps[app]
	if !ok {
		s.mu.Unlock()
		return interfaces.ErrNotFound
	}
	info.IdentityCertificate = cert
	s.apps[app] = info
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notifyIntent(app, interfaces.SyncIdentity)
	return nil
}

// InstallMembership records membership intent for app+group. A second
// install of the same pair is a no-op success.
func (s *MemoryStore) InstallMembership(ctx context.Context, app interfaces.PublicKeyID, group uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.apps[app]; !ok {
		s.mu.Unlock()
		return interfaces.ErrNotFound
	}

	groups, ok := s.memberships[app]
	if !ok {
		groups = make(map[uuid.UUID]struct{})
		s.memberships[app] = groups
	}
	if _, installed := groups[group]; installed {
		s.mu.Unlock()
		return nil
	}
	groups[group] = struct{}{}
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notifyIntent(app, interfaces.SyncMembership)
	return nil
}

// RemoveMembership removes membership intent; redundant removal fails
// with ErrNotFound.
func (s *MemoryStore) RemoveMembership(ctx context.Context, app interfaces.PublicKeyID, group uuid.UUID) error {
	s.mu.Lock()
	if _, ok := s.apps[app]; !ok {
		s.mu.Unlock()
		return interfaces.ErrNotFound
	}
	groups := s.memberships[app]
	if _, installed := groups[group]; !installed {
		s.mu.Unlock()
		return interfaces.ErrNotFound
	}
	delete(groups, group)
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.notifyIntent(app, interfaces.SyncMembership)
	return nil
}

// GetMemberships returns the member group GUIDs for a key, sorted for
// deterministic diffing.
func (s *MemoryStore) GetMemberships(ctx context.Context, app interfaces.PublicKeyID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.apps[app]; !ok {
		return nil, interfaces.ErrNotFound
	}
	out := make([]uuid.UUID, 0, len(s.memberships[app]))
	for guid := range s.memberships[app] {
		out = append(out, guid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// UpdatePolicy stores the canonical serialized policy under the next
// monotonic version and returns that version.
func (s *MemoryStore) UpdatePolicy(ctx context.Context, app interfaces.PublicKeyID, data []byte) (uint64, error) {
	s.mu.Lock()
	if _, ok := s.apps[app]; !ok {
		s.mu.Unlock()
		return 0, interfaces.ErrNotFound
	}
	s.policyVersion++
	stored := interfaces.StoredPolicy{
		Data:    append([]byte(nil), data...),
		Version: s.policyVersion,
	}
	s.policies[app] = stored
	err := s.persistLocked(ctx)
	s.mu.Unlock()

	if err != nil {
		return 0, err
	}
	s.notifyIntent(app, interfaces.SyncPolicy)
	return stored.Version, nil
}

// GetPolicy fetches the persisted policy intent for a key.
func (s *MemoryStore) GetPolicy(ctx context.Context, app interfaces.PublicKeyID) (interfaces.StoredPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.policies[app]
	if !ok {
		return interfaces.StoredPolicy{}, interfaces.ErrNotFound
	}
	return stored, nil
}

// SetManifest replaces the stored manifest for a claimed key.
func (s *MemoryStore) SetManifest(ctx context.Context, app interfaces.PublicKeyID, manifest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.apps[app]; !ok {
		return interfaces.ErrNotFound
	}
	s.manifests[app] = append([]byte(nil), manifest...)
	return s.persistLocked(ctx)
}

// GetManifest returns the stored manifest for a claimed key.
func (s *MemoryStore) GetManifest(ctx context.Context, app interfaces.PublicKeyID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.manifests[app]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
