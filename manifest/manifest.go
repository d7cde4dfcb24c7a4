// Package manifest implements the canonical codec for interface
// permission manifests. A manifest wraps an ordered rule sequence in a
// single ACL term and serializes it with deterministic CBOR, so equal
// rule sequences always produce identical bytes and identical digests.
// Equality is byte-for-byte on the canonical serialization, not
// structural rule comparison.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"regexp"

	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/device-trust-manager/interfaces"
)

// ActionMask is the set of actions a rule member grants.
type ActionMask uint8

const (
	// ActionProvide allows the peer to provide the member.
	ActionProvide ActionMask = 1 << iota

	// ActionObserve allows the peer to observe the member.
	ActionObserve

	// ActionModify allows the peer to modify the member.
	ActionModify
)

// ActionAll grants every action.
const ActionAll = ActionProvide | ActionObserve | ActionModify

// MemberType narrows which kind of interface member a rule member matches.
type MemberType uint8

const (
	// MemberTypeAny matches methods, properties and signals alike.
	MemberTypeAny MemberType = iota

	// MemberTypeMethod matches method members only.
	MemberTypeMethod

	// MemberTypeProperty matches property members only.
	MemberTypeProperty

	// MemberTypeSignal matches signal members only.
	MemberTypeSignal
)

// Member is one entry of a rule: a member name pattern, its type and
// the granted actions.
type Member struct {
	Name    string     `cbor:"1,keyasint"`
	Type    MemberType `cbor:"2,keyasint"`
	Actions ActionMask `cbor:"3,keyasint"`
}

// Rule grants a set of members on one interface.
type Rule struct {
	Interface string   `cbor:"1,keyasint"`
	Members   []Member `cbor:"2,keyasint"`
}

// envelope is the canonical wire form: exactly one ACL term wrapping
// the rules in input order.
type envelope struct {
	Acls []aclTerm `cbor:"1,keyasint"`
}

type aclTerm struct {
	Rules []Rule `cbor:"1,keyasint"`
}

// Interface names are dotted identifiers, optionally with wildcard
// segments, matching what devices declare.
var interfaceNameRe = regexp.MustCompile(`^(\*|[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*(\.\*|\*)?)$`)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Manifest is an immutable value wrapping an ordered rule sequence
// together with its canonical serialized form.
type Manifest struct {
	rules []Rule
	raw   []byte
}

// Build serializes rules into one canonical ACL term wrapping exactly
// those rules, in input order. It fails with ErrEncoding if a rule is
// malformed (empty or invalid interface name, rule without members).
func Build(rules []Rule) (*Manifest, error) {
	for i, rule := range rules {
		if !interfaceNameRe.MatchString(rule.Interface) {
			return nil, fmt.Errorf("%w: rule %d has malformed interface name %q", interfaces.ErrEncoding, i, rule.Interface)
		}
		if len(rule.Members) == 0 {
			return nil, fmt.Errorf("%w: rule %d has no members", interfaces.ErrEncoding, i)
		}
		for j, m := range rule.Members {
			if m.Name == "" {
				return nil, fmt.Errorf("%w: rule %d member %d has empty name", interfaces.ErrEncoding, i, j)
			}
		}
	}

	raw, err := encMode.Marshal(envelope{Acls: []aclTerm{{Rules: rules}}})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEncoding, err)
	}

	return &Manifest{rules: copyRules(rules), raw: raw}, nil
}

// Parse reconstructs a manifest from its canonical serialized form.
// It fails with ErrEmptyData on empty input and ErrDecoding on
// malformed input, including envelopes that do not hold exactly one
// ACL term.
func Parse(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, interfaces.ErrEmptyData
	}

	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrDecoding, err)
	}
	if len(env.Acls) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one ACL term, got %d", interfaces.ErrDecoding, len(env.Acls))
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	return &Manifest{rules: copyRules(env.Acls[0].Rules), raw: raw}, nil
}

// Rules returns a copy of the rule sequence in canonical order.
func (m *Manifest) Rules() []Rule {
	return copyRules(m.rules)
}

// Bytes returns a copy of the canonical serialized form.
func (m *Manifest) Bytes() []byte {
	raw := make([]byte, len(m.raw))
	copy(raw, m.raw)
	return raw
}

// Digest recomputes the content digest over the re-encoded rules,
// proving manifest integrity independent of transport. It fails with
// ErrNoData for a manifest holding zero rules and zero raw bytes.
func (m *Manifest) Digest() ([32]byte, error) {
	if len(m.rules) == 0 && len(m.raw) == 0 {
		return [32]byte{}, interfaces.ErrNoData
	}

	raw, err := encMode.Marshal(envelope{Acls: []aclTerm{{Rules: m.rules}}})
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", interfaces.ErrEncoding, err)
	}
	return sha256.Sum256(raw), nil
}

// Equal compares two manifests byte-for-byte on their canonical
// serialization. Semantically equivalent rule sets that serialize
// differently are not equal.
func (m *Manifest) Equal(other *Manifest) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(m.raw, other.raw)
}

func copyRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		members := make([]Member, len(r.Members))
		copy(members, r.Members)
		out[i] = Rule{Interface: r.Interface, Members: members}
	}
	return out
}
