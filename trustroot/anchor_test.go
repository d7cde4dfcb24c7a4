package trustroot

import (
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/cryptoutils"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMasterKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func testDeviceKey(t *testing.T) []byte {
	t.Helper()
	key, err := cryptoutils.GenerateP256Key()
	require.NoError(t, err)
	pub, err := cryptoutils.MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	return pub
}

func TestNewTrustAnchorRejectsShortKey(t *testing.T) {
	_, err := NewTrustAnchor(make([]byte, 16))
	assert.Error(t, err)
}

func TestTrustAnchorIsDeterministic(t *testing.T) {
	master := testMasterKey(t)

	a, err := NewTrustAnchor(master)
	require.NoError(t, err)
	b, err := NewTrustAnchor(master)
	require.NoError(t, err)

	assert.True(t, a.RootOfTrust().Equal(b.RootOfTrust()),
		"same master key must reconstitute the same trust domain")

	other, err := NewTrustAnchor(testMasterKey(t))
	require.NoError(t, err)
	assert.False(t, a.RootOfTrust().Equal(other.RootOfTrust()))
}

func TestNewTrustAnchorFromPassphrase(t *testing.T) {
	a, err := NewTrustAnchorFromPassphrase([]byte("correct horse"), []byte("salt"))
	require.NoError(t, err)
	b, err := NewTrustAnchorFromPassphrase([]byte("correct horse"), []byte("salt"))
	require.NoError(t, err)
	assert.True(t, a.RootOfTrust().Equal(b.RootOfTrust()))

	_, err = NewTrustAnchorFromPassphrase(nil, []byte("salt"))
	assert.Error(t, err)
}

func TestIssueIdentityCertificate(t *testing.T) {
	anchor, err := NewTrustAnchor(testMasterKey(t))
	require.NoError(t, err)
	devicePub := testDeviceKey(t)

	identity := interfaces.IdentityInfo{
		Authority: anchor.RootOfTrust(),
		GUID:      uuid.New(),
		Name:      "alice",
	}

	cert, err := anchor.IssueIdentityCertificate(identity, devicePub)
	require.NoError(t, err)

	parsed, err := cryptoutils.ParseCertificatePEM(cert)
	require.NoError(t, err)
	assert.Equal(t, "alice", parsed.Subject.CommonName)
	assert.Equal(t, identity.GUID.String(), parsed.Subject.SerialNumber)
	assert.Equal(t, interfaces.NewPublicKeyID(devicePub).Bytes(), parsed.SubjectKeyId)

	rootPub, err := cryptoutils.ParsePublicKeyPEM(anchor.RootOfTrust())
	require.NoError(t, err)
	assert.NoError(t, cryptoutils.VerifyIssuedBy(cert, rootPub))

	// A different domain's anchor must not verify it.
	other, err := NewTrustAnchor(testMasterKey(t))
	require.NoError(t, err)
	otherPub, err := cryptoutils.ParsePublicKeyPEM(other.RootOfTrust())
	require.NoError(t, err)
	assert.Error(t, cryptoutils.VerifyIssuedBy(cert, otherPub))
}

func TestIssueMembershipCertificate(t *testing.T) {
	anchor, err := NewTrustAnchor(testMasterKey(t))
	require.NoError(t, err)
	devicePub := testDeviceKey(t)

	group := interfaces.GroupInfo{
		GUID:      uuid.New(),
		Name:      "MyGroup",
		Authority: anchor.RootOfTrust(),
	}

	cert, err := anchor.IssueMembershipCertificate(group, devicePub)
	require.NoError(t, err)

	parsed, err := cryptoutils.ParseCertificatePEM(cert)
	require.NoError(t, err)
	assert.Equal(t, "MyGroup", parsed.Subject.CommonName)
	assert.Equal(t, group.GUID.String(), parsed.Subject.SerialNumber)
}

func TestIssueRejectsMalformedDeviceKey(t *testing.T) {
	anchor, err := NewTrustAnchor(testMasterKey(t))
	require.NoError(t, err)

	_, err = anchor.IssueIdentityCertificate(interfaces.IdentityInfo{Name: "x"}, []byte("not-pem"))
	assert.Error(t, err)
}
