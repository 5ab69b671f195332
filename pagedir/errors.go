package pagedir

import "errors"

// ErrConflict indicates a directory-slot CAS lost a race to a concurrent
// writer.
//
// Caller action: reload state and retry; not fatal. Per spec.md §7, the
// core does not retry a lost CAS beyond the allocator's own internal
// loop — a conflict at the publication primitive (CAS) is always
// surfaced to the caller.
var ErrConflict = errors.New("pagedir: conflict")
