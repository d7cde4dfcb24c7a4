package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	persister, err := NewFilePersister(path, slog.Default())
	require.NoError(t, err)

	store, err := NewPersistentStore(ctx, persister, slog.Default())
	require.NoError(t, err)

	group := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup", Description: "desc"}
	app := testApp("dev1")
	identity := interfaces.IdentityInfo{Authority: []byte("auth"), GUID: uuid.New(), Name: "alice"}

	require.NoError(t, store.StoreGroup(ctx, group))
	require.NoError(t, store.StoreIdentity(ctx, identity))
	require.NoError(t, store.StoreManagedApplication(ctx, app))
	require.NoError(t, store.InstallMembership(ctx, app.AppKey, group.GUID))
	version, err := store.UpdatePolicy(ctx, app.AppKey, []byte{0xca, 0xfe})
	require.NoError(t, err)

	// A fresh store over the same persister must see identical state.
	reloaded, err := NewPersistentStore(ctx, persister, slog.Default())
	require.NoError(t, err)

	gotGroup, err := reloaded.GetGroup(ctx, group.GUID)
	require.NoError(t, err)
	assert.Equal(t, group, gotGroup)

	gotApp, err := reloaded.GetManagedApplication(ctx, app.AppKey)
	require.NoError(t, err)
	assert.Equal(t, app.AppKey, gotApp.AppKey)
	assert.Equal(t, app.UserDefinedName, gotApp.UserDefinedName)

	members, err := reloaded.GetMemberships(ctx, app.AppKey)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{group.GUID}, members)

	stored, err := reloaded.GetPolicy(ctx, app.AppKey)
	require.NoError(t, err)
	assert.Equal(t, version, stored.Version)
	assert.Equal(t, []byte{0xca, 0xfe}, stored.Data)

	// Version counter survives reload: the next policy write must not
	// reuse a version the device may have seen.
	next, err := reloaded.UpdatePolicy(ctx, app.AppKey, []byte{0x01})
	require.NoError(t, err)
	assert.Greater(t, next, version)
}

func TestFilePersisterMissingFile(t *testing.T) {
	persister, err := NewFilePersister(filepath.Join(t.TempDir(), "none.json"), slog.Default())
	require.NoError(t, err)

	data, err := persister.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestStoreFactorySchemes(t *testing.T) {
	factory := NewStoreFactory(slog.Default())
	ctx := context.Background()

	mem, err := factory.StoreFor(ctx, "mem://")
	require.NoError(t, err)
	assert.NotNil(t, mem)

	file, err := factory.StoreFor(ctx, "file://"+filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.NotNil(t, file)

	_, err = factory.StoreFor(ctx, "gopher://nope")
	assert.Error(t, err)

	_, err = factory.StoreFor(ctx, "vault://127.0.0.1:8200/missing-data-path")
	assert.Error(t, err, "vault URI needs mount and path segments")
}
