// Package storage implements the credential store: persisted CRUD for
// identities, groups, managed application records, memberships and
// policies.
//
// The authoritative state always lives in memory behind a single lock
// (MemoryStore); durability is layered on top through snapshot
// persisters selected by URI scheme, the same way backends are picked
// elsewhere in this codebase:
//
//   - mem://                              volatile, for tests
//   - file:///var/lib/secmgr/state.json   local filesystem
//   - s3://bucket/prefix?region=...       Amazon S3 or compatible
//   - vault://host:port/mount/path       HashiCorp Vault KV v2
//
// Every successful mutation is snapshotted synchronously, so a store
// that returns nil has durably recorded the intent.
package storage
