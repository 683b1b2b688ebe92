// Package storage persists the three artifacts of the pipeline:
//   - Hot department snapshots (capped item lists, replaced atomically)
//   - Cold monthly archive segments (append-only, dedup on id+revision)
//   - Notification idempotency keys (TTL-bounded create-if-absent)
package storage
