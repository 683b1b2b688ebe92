package ingest

import "fmt"

// SchemaError marks malformed input (feed drift, bad rows). It is never
// retried automatically; the job goes to the dead-letter path for manual
// review.
type SchemaError struct {
	Department string
	Err        error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error (dept %s): %v", e.Department, e.Err)
}
func (e *SchemaError) Unwrap() error { return e.Err }

// StorageError wraps a failed snapshot or archive write. The whole job is
// safe to retry: the diff is idempotent on hash and the archive append
// dedups on id+revision.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }
