package bufferset

import "github.com/google/uuid"

// FileInfo is the on-disk layer's description of a flushed segment.
// Opaque to the core beyond identity: the core stores it verbatim in a
// Version and never interprets Size or SegmentID itself.
type FileInfo struct {
	// SegmentID names the on-disk segment a flushed WriteBuffer became.
	// Assigned by the on-disk layer, not the core; a random v4 id keeps
	// segment names stable across process restarts without a central
	// counter.
	SegmentID uuid.UUID
	Size      int64
}
