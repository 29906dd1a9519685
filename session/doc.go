// Package session defines pfman's tunnel sessions and their runtime status.
//
// # Overview
//
// A Session is a user-authored tunnel definition persisted in sessions.yaml.
// Each session has one of three kinds:
//
//   - ssh: a local (-L) or remote (-R) port forward through an SSH host
//   - kubectl: a kubectl port-forward to a pod, service or deployment
//   - socks5: a dynamic SOCKS5 proxy through an SSH host (ssh -D)
//
// The package builds the exact argument vector for each kind (see Command),
// validates definitions, and defines RuntimeStatus, the derived view of a
// session's process that the supervisor maintains.
//
// # Identity
//
// Session IDs are random UUIDs assigned by New and never reused. Names are
// display labels; uniqueness among sessions is enforced by the supervisor
// at create and edit time, not by this package.
//
// # Errors
//
// The error sentinels shared by every layer (ErrStoreCorrupt, ErrSpawnFailed,
// ErrPortInUse, ErrProcessVanished, ErrIdentityMismatch, ...) live here so
// callers can classify failures with errors.Is without importing the layer
// that produced them.
package session
