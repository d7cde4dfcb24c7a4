// Package interfaces defines the core types and contracts of the
// device trust manager. It is the leaf package every other component
// depends on: device identifiers and registry entities, the credential
// store contract, the device transport contract, and the shared error
// taxonomy. It carries no implementation beyond type validation.
package interfaces
