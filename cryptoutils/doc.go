// Package cryptoutils wraps the cryptographic primitives the trust
// manager treats as black boxes: deterministic key derivation, PEM
// key handling, and X.509 certificate issuance and verification. No
// policy lives here; callers decide what gets signed and when.
package cryptoutils
