// Package memerr collects the typed error kinds shared across tiers, so
// callers can match with errors.As regardless of which stage produced them.
package memerr

import "fmt"

// NotFoundError reports that no entry exists for Epoch in the queried stage.
type NotFoundError struct {
	Epoch uint32
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory entry not found for epoch %d", e.Epoch)
}

// InvalidLinkError reports that a Stage1 link target does not exist.
type InvalidLinkError struct {
	Epoch uint32
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid link: target epoch %d does not exist", e.Epoch)
}

// ChecksumMismatchError reports a Stage2 or Stage3 block that failed
// verification.
type ChecksumMismatchError struct {
	Epoch uint32
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for entry at epoch %d", e.Epoch)
}

// RedundancyError reports that both Stage3 copies of an epoch failed
// verification.
type RedundancyError struct {
	Epoch uint32
	Cause string
}

func (e *RedundancyError) Error() string {
	return fmt.Sprintf("redundancy check failed for epoch %d: %s", e.Epoch, e.Cause)
}
