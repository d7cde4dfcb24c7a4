package appregistry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/ruteri/device-trust-manager/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
)

func testAnnouncement(name string) Announcement {
	return Announcement{
		PublicKey:  []byte("-----BEGIN PUBLIC KEY-----\n" + name + "\n-----END PUBLIC KEY-----\n"),
		Address:    interfaces.DeviceAddress("stub://" + name),
		DeviceName: name,
		AppName:    name + "-app",
		AppID:      uuid.New(),
	}
}

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store, slog.Default()), store
}

func TestOnAnnouncementFirstDiscovery(t *testing.T) {
	reg, _ := newTestRegistry(t)

	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))
	assert.Equal(t, interfaces.ClaimStateClaimable, app.ClaimState)
	assert.Equal(t, interfaces.RunningStateRunning, app.RunningState)
	assert.False(t, app.UpdatesPending())

	got, ok := reg.Get(app.AppKey)
	require.True(t, ok)
	assert.Equal(t, app, got)
}

func TestOnAnnouncementResolvesClaimedFromStore(t *testing.T) {
	reg, store := newTestRegistry(t)

	ann := testAnnouncement("dev1")
	key := interfaces.NewPublicKeyID(ann.PublicKey)
	require.NoError(t, store.StoreManagedApplication(context.Background(), interfaces.ManagedApplicationInfo{
		AppKey:    key,
		PublicKey: ann.PublicKey,
	}))

	app := reg.OnAnnouncement(context.Background(), ann)
	assert.Equal(t, interfaces.ClaimStateClaimed, app.ClaimState)
}

func TestOnLostFlipsRunningStateOnly(t *testing.T) {
	reg, _ := newTestRegistry(t)
	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))

	reg.OnLost(app.AppKey)

	got, ok := reg.Get(app.AppKey)
	require.True(t, ok, "record persists when the device goes unreachable")
	assert.Equal(t, interfaces.RunningStateNotRunning, got.RunningState)
	assert.Empty(t, got.Address)
	assert.Equal(t, interfaces.ClaimStateClaimable, got.ClaimState)
}

func TestUpdateClaimStateTransitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))

	require.NoError(t, reg.UpdateClaimState(app.AppKey, interfaces.ClaimStateClaiming))
	require.NoError(t, reg.UpdateClaimState(app.AppKey, interfaces.ClaimStateClaimed))

	err := reg.UpdateClaimState(app.AppKey, interfaces.ClaimStateClaimed)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState, "claimed to claimed is not a legal edge")

	err = reg.UpdateClaimState(interfaces.PublicKeyID{0xde, 0xad}, interfaces.ClaimStateClaiming)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestQuerySnapshotsAreDetached(t *testing.T) {
	reg, _ := newTestRegistry(t)
	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))
	reg.OnAnnouncement(context.Background(), testAnnouncement("dev2"))

	snapshot := reg.Query(interfaces.ClaimStateUnknown)
	require.Len(t, snapshot, 2)

	claimable := reg.Query(interfaces.ClaimStateClaimable)
	assert.Len(t, claimable, 2)

	require.NoError(t, reg.UpdateClaimState(app.AppKey, interfaces.ClaimStateClaiming))
	for _, got := range snapshot {
		assert.NotEqual(t, interfaces.ClaimStateClaiming, got.ClaimState,
			"mutation after Query must not affect the snapshot")
	}
}

func TestPendingFlags(t *testing.T) {
	reg, _ := newTestRegistry(t)
	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))

	reg.IntentChanged(app.AppKey, interfaces.SyncMembership)
	reg.IntentChanged(app.AppKey, interfaces.SyncPolicy)

	got, _ := reg.Get(app.AppKey)
	assert.True(t, got.UpdatesPending())

	reg.ClearPending(app.AppKey, interfaces.SyncMembership)
	got, _ = reg.Get(app.AppKey)
	assert.True(t, got.UpdatesPending(), "policy still pending")

	reg.ClearPending(app.AppKey, interfaces.SyncPolicy)
	got, _ = reg.Get(app.AppKey)
	assert.False(t, got.UpdatesPending())
}

func TestSetPendingNotifiesWhileAlreadyPending(t *testing.T) {
	reg, _ := newTestRegistry(t)
	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))

	sub := reg.Subscribe()
	defer sub.Close()

	reg.IntentChanged(app.AppKey, interfaces.SyncMembership)
	reg.IntentChanged(app.AppKey, interfaces.SyncMembership)

	deadline := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Events():
			assert.NotZero(t, ev.New.Pending&interfaces.SyncMembership)
		case <-deadline:
			t.Fatalf("got %d events, want one per intent mutation", i)
		}
	}
}

func TestWaitForPredicateAlreadySatisfied(t *testing.T) {
	reg, _ := newTestRegistry(t)
	reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))

	ok := reg.WaitForPredicate(func(apps []interfaces.OnlineApplication) bool {
		return len(apps) == 1
	}, 10*time.Millisecond)
	assert.True(t, ok, "predicate true at call time must not wait")
}

func TestWaitForPredicateConcurrentMutation(t *testing.T) {
	reg, _ := newTestRegistry(t)

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))
	}()

	ok := reg.WaitForPredicate(func(apps []interfaces.OnlineApplication) bool {
		for _, app := range apps {
			if app.RunningState == interfaces.RunningStateRunning {
				return true
			}
		}
		return false
	}, 2*time.Second)
	assert.True(t, ok, "a qualifying mutation during the wait must wake it")
}

func TestWaitForPredicateTimeout(t *testing.T) {
	reg, _ := newTestRegistry(t)

	start := time.Now()
	ok := reg.WaitForPredicate(func(apps []interfaces.OnlineApplication) bool {
		return len(apps) > 0
	}, 50*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSubscriptionFIFO(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := reg.Subscribe()
	defer sub.Close()

	app := reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))
	require.NoError(t, reg.UpdateClaimState(app.AppKey, interfaces.ClaimStateClaiming))
	require.NoError(t, reg.UpdateClaimState(app.AppKey, interfaces.ClaimStateClaimed))

	deadline := time.After(2 * time.Second)
	var events []Event
	for len(events) < 3 {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out, got %d events", len(events))
		}
	}

	assert.Nil(t, events[0].Old, "first discovery has no old state")
	assert.Equal(t, interfaces.ClaimStateClaimable, events[0].New.ClaimState)
	assert.Equal(t, interfaces.ClaimStateClaimable, events[1].Old.ClaimState)
	assert.Equal(t, interfaces.ClaimStateClaiming, events[1].New.ClaimState)
	assert.Equal(t, interfaces.ClaimStateClaiming, events[2].Old.ClaimState)
	assert.Equal(t, interfaces.ClaimStateClaimed, events[2].New.ClaimState)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	reg, _ := newTestRegistry(t)
	sub := reg.Subscribe()
	sub.Close()

	reg.OnAnnouncement(context.Background(), testAnnouncement("dev1"))

	select {
	case _, open := <-sub.Events():
		assert.False(t, open, "channel must be closed after Close")
	case <-time.After(time.Second):
		t.Fatal("event channel not closed")
	}
}
