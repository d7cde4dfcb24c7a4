package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
)

// Persister makes store snapshots durable. Load returns nil data when
// no snapshot exists yet.
type Persister interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error

	// Name returns an identifier for logging.
	Name() string
}

// storeState is the serialized snapshot layout.
type storeState struct {
	Identities    []interfaces.IdentityInfo                      `json:"identities"`
	Groups        []interfaces.GroupInfo                         `json:"groups"`
	Applications  []interfaces.ManagedApplicationInfo            `json:"applications"`
	Memberships   map[interfaces.PublicKeyID][]uuid.UUID         `json:"memberships"`
	Policies      map[interfaces.PublicKeyID]interfaces.StoredPolicy `json:"policies"`
	Manifests     map[interfaces.PublicKeyID][]byte              `json:"manifests"`
	PolicyVersion uint64                                         `json:"policy_version"`
}

// NewPersistentStore creates a store backed by the given persister. An
// existing snapshot is loaded before the store is handed out; every
// later mutation is snapshotted synchronously.
func NewPersistentStore(ctx context.Context, persister Persister, log *slog.Logger) (*MemoryStore, error) {
	store := NewMemoryStore()
	store.persister = persister

	data, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot from %s: %w", persister.Name(), err)
	}
	if len(data) == 0 {
		log.Info("No existing snapshot, starting empty", slog.String("backend", persister.Name()))
		return store, nil
	}

	if err := store.restore(data); err != nil {
		return nil, fmt.Errorf("restoring snapshot from %s: %w", persister.Name(), err)
	}
	log.Info("Restored credential store snapshot",
		slog.String("backend", persister.Name()),
		slog.Int("groups", len(store.groups)),
		slog.Int("applications", len(store.apps)))
	return store, nil
}

// persistLocked snapshots the store if a persister is configured.
// Caller holds s.mu; the persister call happens under the store's own
// lock, which is what serializes conflicting writes.
func (s *MemoryStore) persistLocked(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	data, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		return fmt.Errorf("%w: snapshot encoding: %v", interfaces.ErrPersistence, err)
	}
	if err := s.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("%w: %s: %v", interfaces.ErrPersistence, s.persister.Name(), err)
	}
	return nil
}

func (s *MemoryStore) snapshotLocked() storeState {
	state := storeState{
		Memberships:   make(map[interfaces.PublicKeyID][]uuid.UUID, len(s.memberships)),
		Policies:      make(map[interfaces.PublicKeyID]interfaces.StoredPolicy, len(s.policies)),
		Manifests:     make(map[interfaces.PublicKeyID][]byte, len(s.manifests)),
		PolicyVersion: s.policyVersion,
	}
	for _, identity := range s.identities {
		state.Identities = append(state.Identities, identity)
	}
	for _, group := range s.groups {
		state.Groups = append(state.Groups, group)
	}
	for _, info := range s.apps {
		state.Applications = append(state.Applications, info)
	}
	for app, groups := range s.memberships {
		for guid := range groups {
			state.Memberships[app] = append(state.Memberships[app], guid)
		}
	}
	for app, stored := range s.policies {
		state.Policies[app] = stored
	}
	for app, data := range s.manifests {
		state.Manifests[app] = data
	}
	return state
}

func (s *MemoryStore) restore(data []byte) error {
	var state storeState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, identity := range state.Identities {
		s.identities[identity.Key()] = identity
	}
	for _, group := range state.Groups {
		s.groups[group.GUID] = group
	}
	for _, info := range state.Applications {
		s.apps[info.AppKey] = info
	}
	for app, guids := range state.Memberships {
		groups := make(map[uuid.UUID]struct{}, len(guids))
		for _, guid := range guids {
			groups[guid] = struct{}{}
		}
		s.memberships[app] = groups
	}
	for app, stored := range state.Policies {
		s.policies[app] = stored
	}
	for app, manifest := range state.Manifests {
		s.manifests[app] = manifest
	}
	s.policyVersion = state.PolicyVersion
	return nil
}
