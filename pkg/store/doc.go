// Package store defines the persistence-facing contract for one origin's
// cookie jar, plus the best-effort Adapter the resolver and the shared store
// handler talk to.
//
// Responsibilities:
//   - Store only loads/saves a single Record for a single Key.
//   - Adapter binds a domain/path pair and turns every failure into "absent"
//     on read and a dropped write, so callers never branch on storage errors.
//   - Value keeps "not present" distinct from the empty string.
//
// Data flow:
//
//	Resolver / sharedstore.Handler -> Adapter -> Store (MemoryStore, sqlstore.Store)
//
// Deterministic keys:
//
//	Key.Identifier() provides the canonical `domain|path|name` storage key.
//	Save is an upsert on that key, so replaying an identical write converges
//	to the same stored state.
package store
