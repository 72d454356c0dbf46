package replication

import "time"

// Checkpoint is the position in the upstream replication stream that has
// been durably applied to the target store. It is parsed from the
// replication working directory's state file and is the only record of
// progress the updater owns.
type Checkpoint struct {
	// Sequence is the upstream changeset sequence number.
	Sequence int64

	// Timestamp is the upstream time of the last change covered by Sequence.
	Timestamp time.Time
}

// IsZero reports whether the checkpoint carries no position.
func (c Checkpoint) IsZero() bool {
	return c.Sequence == 0 && c.Timestamp.IsZero()
}

// Before reports whether c is strictly earlier in the stream than other.
// Sequence numbers are authoritative; timestamps are informational.
func (c Checkpoint) Before(other Checkpoint) bool {
	return c.Sequence < other.Sequence
}
