package policy

import (
	"github.com/ruteri/device-trust-manager/interfaces"
	"github.com/ruteri/device-trust-manager/manifest"
)

// DefaultPolicy builds the default access policy for an ordered group
// list: one ACL per group, in input order, granting full interface
// access (provide, observe and modify on every member of every
// interface) to any peer holding a valid membership certificate for
// that group.
//
// Generation is a pure function of its input: duplicate groups yield
// duplicate ACLs and ordering is preserved. Zero groups yields an
// empty policy with zero ACLs.
func DefaultPolicy(groups []interfaces.GroupInfo) Policy {
	acls := make([]ACL, 0, len(groups))
	for _, group := range groups {
		acls = append(acls, defaultGroupACL(group))
	}
	return Policy{Acls: acls}
}

func defaultGroupACL(group interfaces.GroupInfo) ACL {
	return ACL{
		Peers: []Peer{{
			GroupGUID: group.GUID,
			Authority: group.Authority,
		}},
		Rules: []manifest.Rule{{
			Interface: "*",
			Members: []manifest.Member{{
				Name:    "*",
				Type:    manifest.MemberTypeAny,
				Actions: manifest.ActionAll,
			}},
		}},
	}
}
