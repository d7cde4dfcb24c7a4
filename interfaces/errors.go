package interfaces

import "errors"

// Error taxonomy shared by all components. Every failure is scoped to
// one application or operation; nothing here is fatal to the process.
var (
	// ErrInvalidState is returned when an operation is not legal for
	// the device's current claim state.
	ErrInvalidState = errors.New("operation not allowed in current claim state")

	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyClaimed is returned when claiming a key that already
	// has a managed application record.
	ErrAlreadyClaimed = errors.New("application already claimed")

	// ErrGroupInUse is returned when removing a group that still has
	// active memberships.
	ErrGroupInUse = errors.New("group has active memberships")

	// ErrRemote is returned when the device transport rejected an
	// operation. The remote status is wrapped alongside.
	ErrRemote = errors.New("remote device rejected operation")

	// ErrIdentityGeneration is returned when issuing an identity
	// certificate failed during claiming.
	ErrIdentityGeneration = errors.New("identity certificate generation failed")

	// ErrEncoding is returned when the canonical serializer rejects a
	// rule or policy set.
	ErrEncoding = errors.New("canonical encoding failed")

	// ErrDecoding is returned on malformed canonical input.
	ErrDecoding = errors.New("canonical decoding failed")

	// ErrEmptyData is returned when parsing zero-length input.
	ErrEmptyData = errors.New("empty data")

	// ErrNoData is returned when an operation needs content the value
	// does not hold (e.g. digest of a zero-byte manifest).
	ErrNoData = errors.New("no data")

	// ErrManifestRejected is returned when the manifest approval
	// listener declined a device's declared manifest.
	ErrManifestRejected = errors.New("manifest rejected by approver")

	// ErrPersistence is returned when the local store failed after a
	// remote operation succeeded: remote state is ahead of local state.
	ErrPersistence = errors.New("local persistence failed after remote success")

	// ErrTimeout is returned when a wait predicate was not met in time.
	ErrTimeout = errors.New("timed out waiting for condition")
)
