package secmgr

import (
	"context"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/appregistry"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/ruteri/device-trust-manager/policy"
	"github.com/ruteri/device-trust-manager/storage"
	"github.com/ruteri/device-trust-manager/syncer"
	"github.com/ruteri/device-trust-manager/transport/stub"
	"github.com/ruteri/device-trust-manager/trustroot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store    *storage.MemoryStore
	registry *appregistry.Registry
	fleet    *stub.Fleet
	anchor   *trustroot.TrustAnchor
	engine   *syncer.Engine
	mgr      *SecurityManager
}

func newEnv(t *testing.T, approver interfaces.ManifestApprover) *env {
	t.Helper()

	master := make([]byte, 32)
	_, err := rand.Read(master)
	require.NoError(t, err)
	anchor, err := trustroot.NewTrustAnchor(master)
	require.NoError(t, err)

	store := storage.NewMemoryStore()
	registry := appregistry.New(store, slog.Default())
	store.SetIntentObserver(registry)

	fleet := stub.NewFleet()
	engine := syncer.New(store, registry, fleet, anchor, slog.Default())
	mgr := New(Config{
		Store:     store,
		Registry:  registry,
		Transport: fleet,
		Issuer:    anchor,
		Approver:  approver,
		Syncer:    engine,
		Log:       slog.Default(),
	})
	return &env{store: store, registry: registry, fleet: fleet, anchor: anchor, engine: engine, mgr: mgr}
}

func (e *env) discover(t *testing.T, name string) *stub.Device {
	t.Helper()
	device, err := e.fleet.AddDevice(name, nil)
	require.NoError(t, err)
	device.Announce(context.Background(), e.registry)
	return device
}

func testIdentity(authority interfaces.RootOfTrust, name string) interfaces.IdentityInfo {
	return interfaces.IdentityInfo{Authority: authority, GUID: uuid.New(), Name: name}
}

// waitSynced blocks until the device is claimed with no outstanding
// intent.
func (e *env) waitSynced(t *testing.T, key interfaces.PublicKeyID) {
	t.Helper()
	ok := e.registry.WaitForPredicate(func(apps []interfaces.OnlineApplication) bool {
		for _, app := range apps {
			if app.AppKey == key {
				return app.ClaimState == interfaces.ClaimStateClaimed && !app.UpdatesPending()
			}
		}
		return false
	}, 3*time.Second)
	require.True(t, ok, "device never converged")
}

func TestClaimEndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.engine.Start(ctx)

	g1 := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup1", Authority: e.anchor.RootOfTrust()}
	g2 := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup2", Authority: e.anchor.RootOfTrust()}
	require.NoError(t, e.store.StoreGroup(ctx, g1))
	require.NoError(t, e.store.StoreGroup(ctx, g2))

	device := e.discover(t, "dev1")
	key := device.Key()

	app, ok := e.registry.Get(key)
	require.True(t, ok)
	require.Equal(t, interfaces.ClaimStateClaimable, app.ClaimState)

	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice")))

	app, _ = e.registry.Get(key)
	assert.Equal(t, interfaces.ClaimStateClaimed, app.ClaimState)
	assert.False(t, app.UpdatesPending())
	assert.True(t, device.Claimed())
	assert.NotEmpty(t, device.IdentityCertificate())

	// G1 in, G2 in, G1 out, G2 out; each step converges through sync.
	require.NoError(t, e.mgr.InstallMembership(ctx, key, g1.GUID))
	e.waitSynced(t, key)
	assert.ElementsMatch(t, []uuid.UUID{g1.GUID}, device.Memberships())

	require.NoError(t, e.mgr.InstallMembership(ctx, key, g2.GUID))
	e.waitSynced(t, key)
	assert.ElementsMatch(t, []uuid.UUID{g1.GUID, g2.GUID}, device.Memberships())

	require.NoError(t, e.mgr.RemoveMembership(ctx, key, g1.GUID))
	e.waitSynced(t, key)
	assert.ElementsMatch(t, []uuid.UUID{g2.GUID}, device.Memberships())

	require.NoError(t, e.mgr.RemoveMembership(ctx, key, g2.GUID))
	e.waitSynced(t, key)
	assert.Empty(t, device.Memberships())
}

func TestClaimPreconditions(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	identity := testIdentity(e.anchor.RootOfTrust(), "alice")

	err := e.mgr.Claim(ctx, interfaces.PublicKeyID{0x01}, identity)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	device := e.discover(t, "dev1")
	key := device.Key()
	require.NoError(t, e.mgr.Claim(ctx, key, identity))

	before, err := e.store.GetManagedApplication(ctx, key)
	require.NoError(t, err)

	err = e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "mallory"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	after, err := e.store.GetManagedApplication(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before, after, "failed claim must not touch the stored record")
}

func TestClaimRemoteFailureRollsBack(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	device := e.discover(t, "dev1")
	key := device.Key()
	device.FailNext(stub.OpInstallIdentity, interfaces.RemoteStatusRejected)

	err := e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice"))
	require.ErrorIs(t, err, interfaces.ErrRemote)

	assert.False(t, device.Claimed(), "root of trust must be rolled back")
	app, _ := e.registry.Get(key)
	assert.Equal(t, interfaces.ClaimStateClaimable, app.ClaimState)

	_, err = e.store.GetManagedApplication(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestClaimManifestRejected(t *testing.T) {
	declined := interfaces.ManifestApproverFunc(func(interfaces.OnlineApplication, []byte) bool { return false })
	e := newEnv(t, declined)
	ctx := context.Background()

	device := e.discover(t, "dev1")
	key := device.Key()

	err := e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice"))
	require.ErrorIs(t, err, interfaces.ErrManifestRejected)

	assert.False(t, device.Claimed())
	app, _ := e.registry.Get(key)
	assert.Equal(t, interfaces.ClaimStateClaimable, app.ClaimState)
}

func TestClaimWindowClosed(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	device := e.discover(t, "dev1")
	device.SetClaimWindow(false)

	err := e.mgr.Claim(ctx, device.Key(), testIdentity(e.anchor.RootOfTrust(), "alice"))
	require.ErrorIs(t, err, interfaces.ErrRemote)

	app, _ := e.registry.Get(device.Key())
	assert.Equal(t, interfaces.ClaimStateClaimable, app.ClaimState)
}

func TestClaimRollbackFailureReportsReset(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sub := e.engine.SubscribeErrors()
	defer sub.Close()

	device := e.discover(t, "dev1")
	device.FailNext(stub.OpInstallIdentity, interfaces.RemoteStatusRejected)
	device.FailNext(stub.OpRemoveRootOfTrust, interfaces.RemoteStatusUnreachable)

	err := e.mgr.Claim(ctx, device.Key(), testIdentity(e.anchor.RootOfTrust(), "alice"))
	require.ErrorIs(t, err, interfaces.ErrRemote)

	select {
	case serr := <-sub.Errors():
		assert.Equal(t, syncer.KindReset, serr.Kind)
		assert.Equal(t, device.Key(), serr.AppKey)
	case <-time.After(time.Second):
		t.Fatal("rollback failure was not reported")
	}
}

func TestUnclaim(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.engine.Start(ctx)

	group := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup", Authority: e.anchor.RootOfTrust()}
	require.NoError(t, e.store.StoreGroup(ctx, group))

	device := e.discover(t, "dev1")
	key := device.Key()
	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice")))
	require.NoError(t, e.mgr.InstallMembership(ctx, key, group.GUID))
	e.waitSynced(t, key)

	require.NoError(t, e.mgr.Unclaim(ctx, key))

	assert.False(t, device.Claimed(), "device must be reset")
	assert.Empty(t, device.Memberships())

	_, err := e.store.GetManagedApplication(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = e.store.GetMemberships(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	app, _ := e.registry.Get(key)
	assert.Equal(t, interfaces.ClaimStateClaimable, app.ClaimState)
	assert.False(t, app.UpdatesPending())

	// The reset device can be claimed again.
	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "bob")))
}

func TestUnclaimOfflineDeviceRemovesLocalState(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	sub := e.engine.SubscribeErrors()
	defer sub.Close()

	device := e.discover(t, "dev1")
	key := device.Key()
	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice")))

	e.registry.OnLost(key)
	require.NoError(t, e.mgr.Unclaim(ctx, key))

	_, err := e.store.GetManagedApplication(ctx, key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.True(t, device.Claimed(), "remote credentials cannot be removed while offline")

	select {
	case serr := <-sub.Errors():
		assert.Equal(t, syncer.KindReset, serr.Kind)
		assert.Equal(t, interfaces.RemoteStatusUnreachable, serr.Status)
	case <-time.After(time.Second):
		t.Fatal("skipped remote teardown was not reported")
	}
}

func TestUpdateIdentity(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.engine.Start(ctx)

	device := e.discover(t, "dev1")
	key := device.Key()
	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice")))
	original := device.IdentityCertificate()

	require.NoError(t, e.mgr.UpdateIdentity(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice-renamed")))
	e.waitSynced(t, key)

	record, err := e.store.GetManagedApplication(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, record.IdentityCertificate, device.IdentityCertificate())
	assert.NotEqual(t, original, device.IdentityCertificate())
}

func TestMembershipPreconditions(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	device := e.discover(t, "dev1")
	key := device.Key()
	group := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup", Authority: e.anchor.RootOfTrust()}
	require.NoError(t, e.store.StoreGroup(ctx, group))

	err := e.mgr.InstallMembership(ctx, key, group.GUID)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState, "device is not claimed yet")

	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice")))

	err = e.mgr.InstallMembership(ctx, key, uuid.New())
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "unknown group")

	err = e.mgr.RemoveMembership(ctx, key, group.GUID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound, "no membership to remove")
}

func TestUpdateDefaultPolicy(t *testing.T) {
	e := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.engine.Start(ctx)

	g1 := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup1", Authority: e.anchor.RootOfTrust()}
	g2 := interfaces.GroupInfo{GUID: uuid.New(), Name: "MyGroup2", Authority: e.anchor.RootOfTrust()}
	require.NoError(t, e.store.StoreGroup(ctx, g1))
	require.NoError(t, e.store.StoreGroup(ctx, g2))

	device := e.discover(t, "dev1")
	key := device.Key()
	require.NoError(t, e.mgr.Claim(ctx, key, testIdentity(e.anchor.RootOfTrust(), "alice")))

	version, err := e.mgr.UpdateDefaultPolicy(ctx, key, []uuid.UUID{g1.GUID, g2.GUID})
	require.NoError(t, err)
	e.waitSynced(t, key)
	assert.Equal(t, version, device.PolicyVersion())

	pol, gotVersion, err := e.mgr.GetPolicy(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, version, gotVersion)
	require.Len(t, pol.Acls, 2)
	assert.Equal(t, g1.GUID, pol.Acls[0].Peers[0].GroupGUID)
	assert.Equal(t, g2.GUID, pol.Acls[1].Peers[0].GroupGUID)

	expected := policy.DefaultPolicy([]interfaces.GroupInfo{g1, g2})
	assert.True(t, pol.Equal(expected))

	_, err = e.mgr.UpdateDefaultPolicy(ctx, key, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}
