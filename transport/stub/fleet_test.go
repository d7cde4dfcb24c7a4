package stub

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimWindowGatesRootOfTrust(t *testing.T) {
	f := NewFleet()
	d, err := f.AddDevice("dev1", nil)
	require.NoError(t, err)
	ctx := context.Background()
	rot := interfaces.RootOfTrust("rot-a")

	d.SetClaimWindow(false)
	status, err := f.InstallRootOfTrust(ctx, d.Address(), rot)
	assert.Equal(t, interfaces.RemoteStatusClaimWindowClosed, status)
	assert.ErrorIs(t, err, interfaces.ErrRemote)

	d.SetClaimWindow(true)
	status, err = f.InstallRootOfTrust(ctx, d.Address(), rot)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RemoteStatusOK, status)
	assert.True(t, d.Claimed())

	// A second authority cannot overwrite the installed root.
	status, err = f.InstallRootOfTrust(ctx, d.Address(), interfaces.RootOfTrust("rot-b"))
	assert.Equal(t, interfaces.RemoteStatusRejected, status)
	assert.ErrorIs(t, err, interfaces.ErrRemote)
}

func TestRemoveRootOfTrustResetsDevice(t *testing.T) {
	f := NewFleet()
	d, err := f.AddDevice("dev1", nil)
	require.NoError(t, err)
	ctx := context.Background()
	rot := interfaces.RootOfTrust("rot-a")
	group := uuid.New()

	_, err = f.InstallRootOfTrust(ctx, d.Address(), rot)
	require.NoError(t, err)
	_, err = f.InstallIdentityCertificate(ctx, d.Address(), interfaces.IdentityCertificate("cert"))
	require.NoError(t, err)
	_, err = f.InstallMembershipCertificate(ctx, d.Address(), group, interfaces.MembershipCertificate("mcert"))
	require.NoError(t, err)
	_, err = f.InstallPolicy(ctx, d.Address(), 3, []byte("policy"))
	require.NoError(t, err)

	state, err := f.SecurityState(ctx, d.Address())
	require.NoError(t, err)
	assert.True(t, state.RootOfTrust.Equal(rot))
	assert.Equal(t, sha256.Sum256([]byte("cert")), state.IdentityDigest)
	assert.Equal(t, []uuid.UUID{group}, state.MembershipGroups)
	assert.Equal(t, uint64(3), state.PolicyVersion)

	// Removal with the wrong root is rejected and changes nothing.
	status, err := f.RemoveRootOfTrust(ctx, d.Address(), interfaces.RootOfTrust("rot-b"))
	assert.Equal(t, interfaces.RemoteStatusRejected, status)
	assert.Error(t, err)
	assert.True(t, d.Claimed())

	_, err = f.RemoveRootOfTrust(ctx, d.Address(), rot)
	require.NoError(t, err)

	state, err = f.SecurityState(ctx, d.Address())
	require.NoError(t, err)
	assert.Empty(t, state.RootOfTrust)
	assert.Equal(t, [32]byte{}, state.IdentityDigest)
	assert.Empty(t, state.MembershipGroups)
	assert.Zero(t, state.PolicyVersion)
}

func TestInstallsRequireRootOfTrust(t *testing.T) {
	f := NewFleet()
	d, err := f.AddDevice("dev1", nil)
	require.NoError(t, err)
	ctx := context.Background()

	status, err := f.InstallIdentityCertificate(ctx, d.Address(), interfaces.IdentityCertificate("cert"))
	assert.Equal(t, interfaces.RemoteStatusRejected, status)
	assert.ErrorIs(t, err, interfaces.ErrRemote)

	status, _ = f.InstallPolicy(ctx, d.Address(), 1, []byte("policy"))
	assert.Equal(t, interfaces.RemoteStatusRejected, status)
}

func TestFailureInjectionIsOneShot(t *testing.T) {
	f := NewFleet()
	d, err := f.AddDevice("dev1", nil)
	require.NoError(t, err)
	ctx := context.Background()

	d.FailNext(OpInstallRootOfTrust, interfaces.RemoteStatusRejected)

	status, err := f.InstallRootOfTrust(ctx, d.Address(), interfaces.RootOfTrust("rot"))
	assert.Equal(t, interfaces.RemoteStatusRejected, status)
	assert.Error(t, err)

	status, err = f.InstallRootOfTrust(ctx, d.Address(), interfaces.RootOfTrust("rot"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.RemoteStatusOK, status)
}

func TestOfflineAndUnknownDevices(t *testing.T) {
	f := NewFleet()
	d, err := f.AddDevice("dev1", nil)
	require.NoError(t, err)
	ctx := context.Background()

	d.SetOffline(true)
	_, err = f.SecurityState(ctx, d.Address())
	assert.ErrorIs(t, err, interfaces.ErrRemote)

	d.SetOffline(false)
	_, err = f.SecurityState(ctx, d.Address())
	assert.NoError(t, err)

	status, err := f.InstallRootOfTrust(ctx, "stub://nobody", interfaces.RootOfTrust("rot"))
	assert.Equal(t, interfaces.RemoteStatusUnreachable, status)
	assert.Error(t, err)
}

func TestAnnouncementCarriesDeviceMetadata(t *testing.T) {
	f := NewFleet()
	d, err := f.AddDevice("dev1", []byte("manifest-bytes"))
	require.NoError(t, err)

	ann := d.Announcement()
	assert.Equal(t, d.Address(), ann.Address)
	assert.Equal(t, "dev1", ann.DeviceName)
	assert.Equal(t, "dev1-app", ann.AppName)
	assert.Equal(t, d.PublicKey(), ann.PublicKey)
	assert.Equal(t, []byte("manifest-bytes"), ann.Manifest)
	assert.Equal(t, d.Key(), interfaces.NewPublicKeyID(ann.PublicKey))

	_, err = f.AddDevice("dev1", nil)
	assert.Error(t, err, "duplicate device name")
}
