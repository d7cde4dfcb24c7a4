// Package policy implements access policy values and the default
// policy generator. A policy is an ordered ACL sequence binding peers
// (membership holders) to permission rules; like manifests it has a
// canonical deterministic serialization used for storage, transport
// and digests.
package policy

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/ruteri/device-trust-manager/manifest"
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Peer identifies who an ACL applies to: anyone holding a valid
// membership certificate for GroupGUID signed by Authority.
type Peer struct {
	GroupGUID uuid.UUID `cbor:"1,keyasint"`

	// Authority is the PEM-encoded public key attesting the membership.
	Authority []byte `cbor:"2,keyasint"`
}

// ACL binds a set of peers to a set of rules.
type ACL struct {
	Peers []Peer          `cbor:"1,keyasint"`
	Rules []manifest.Rule `cbor:"2,keyasint"`
}

// Policy is an ordered ACL sequence. ACL order mirrors the order the
// policy was generated from and is never normalized.
type Policy struct {
	Acls []ACL `cbor:"1,keyasint"`
}

// Serialize returns the canonical byte form of the policy.
func (p Policy) Serialize() ([]byte, error) {
	data, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrEncoding, err)
	}
	return data, nil
}

// Parse reconstructs a policy from its canonical byte form.
func Parse(data []byte) (Policy, error) {
	if len(data) == 0 {
		return Policy{}, interfaces.ErrEmptyData
	}

	var p Policy
	if err := cbor.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("%w: %v", interfaces.ErrDecoding, err)
	}
	return p, nil
}

// Digest computes the content digest over the canonical serialization.
func (p Policy) Digest() ([32]byte, error) {
	data, err := p.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Equal compares two policies byte-for-byte on their canonical
// serialization.
func (p Policy) Equal(other Policy) bool {
	a, err := p.Serialize()
	if err != nil {
		return false
	}
	b, err := other.Serialize()
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}
