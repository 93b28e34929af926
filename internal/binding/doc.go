// Package binding provides the keys and the binding table that tie a
// persistence unit's services to its identifying marker.
//
// A Marker plays the role a binding annotation plays in annotation-driven
// containers: every per-unit service (data source, session factory, session,
// persist service, unit of work) is stored under (Marker, Kind).
//
// # Invariants
//
//   - Markers are normalized (trimmed, Unicode NFC) so that visually equal
//     names always address the same bindings.
//   - A (Marker, Kind) pair is bound at most once; rebinding is an error.
//   - MarkerSet preserves first-insertion order, which is the order used for
//     shutdown.
package binding
