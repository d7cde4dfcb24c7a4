package manifest

import (
	"testing"

	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() []Rule {
	return []Rule{
		{
			Interface: "org.example.control.TV",
			Members: []Member{
				{Name: "*", Type: MemberTypeSignal, Actions: ActionProvide},
			},
		},
		{
			Interface: "org.example.sensors.*",
			Members: []Member{
				{Name: "Read", Type: MemberTypeMethod, Actions: ActionObserve},
				{Name: "State", Type: MemberTypeProperty, Actions: ActionObserve | ActionModify},
			},
		},
	}
}

func TestBuildRoundTrip(t *testing.T) {
	built, err := Build(testRules())
	require.NoError(t, err)
	require.NotEmpty(t, built.Bytes())

	parsed, err := Parse(built.Bytes())
	require.NoError(t, err)

	assert.Equal(t, testRules(), parsed.Rules(), "parsed rules should match input structurally")
	assert.True(t, built.Equal(parsed), "round-tripped manifest should be byte-equal")

	builtDigest, err := built.Digest()
	require.NoError(t, err)
	parsedDigest, err := parsed.Digest()
	require.NoError(t, err)
	assert.Equal(t, builtDigest, parsedDigest, "digest should survive a round trip")
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(testRules())
	require.NoError(t, err)
	b, err := Build(testRules())
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes(), "identical rule sets must serialize identically")
}

func TestBuildOrderIsObservable(t *testing.T) {
	rules := testRules()
	reversed := []Rule{rules[1], rules[0]}

	a, err := Build(rules)
	require.NoError(t, err)
	b, err := Build(reversed)
	require.NoError(t, err)

	assert.False(t, a.Equal(b), "rule order must be observable in the canonical form")
}

func TestBuildRejectsMalformedInterface(t *testing.T) {
	_, err := Build([]Rule{{
		Interface: "not a valid..name",
		Members:   []Member{{Name: "*", Actions: ActionAll}},
	}})
	assert.ErrorIs(t, err, interfaces.ErrEncoding)

	_, err = Build([]Rule{{Interface: "", Members: []Member{{Name: "*"}}}})
	assert.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestBuildRejectsRuleWithoutMembers(t *testing.T) {
	_, err := Build([]Rule{{Interface: "org.example.Foo"}})
	assert.ErrorIs(t, err, interfaces.ErrEncoding)
}

func TestBuildWildcardInterface(t *testing.T) {
	m, err := Build([]Rule{{
		Interface: "*",
		Members:   []Member{{Name: "*", Type: MemberTypeAny, Actions: ActionAll}},
	}})
	require.NoError(t, err)
	assert.Len(t, m.Rules(), 1)
}

func TestBuildEmptyRules(t *testing.T) {
	m, err := Build(nil)
	require.NoError(t, err, "zero rules is a valid, distinct manifest value")
	require.NotEmpty(t, m.Bytes())

	// Built from zero rules but serialized, so a digest is still defined.
	_, err = m.Digest()
	assert.NoError(t, err)
}

func TestParseEmptyData(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, interfaces.ErrEmptyData)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte{0xff, 0x00, 0x13, 0x37})
	assert.ErrorIs(t, err, interfaces.ErrDecoding)
}

func TestDigestNoData(t *testing.T) {
	m := &Manifest{}
	_, err := m.Digest()
	assert.ErrorIs(t, err, interfaces.ErrNoData)
}

func TestManifestIsImmutable(t *testing.T) {
	m, err := Build(testRules())
	require.NoError(t, err)

	rules := m.Rules()
	rules[0].Interface = "org.example.Tampered"
	rules[0].Members[0].Name = "Tampered"

	assert.Equal(t, testRules(), m.Rules(), "mutating returned rules must not affect the manifest")

	raw := m.Bytes()
	raw[0] ^= 0xff
	assert.NotEqual(t, raw[0], m.Bytes()[0], "mutating returned bytes must not affect the manifest")
}
