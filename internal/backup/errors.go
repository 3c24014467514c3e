package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("pre-flight validation failed")
	// ErrNoUploader is returned when no uploader is registered for a target kind.
	ErrNoUploader = errors.New("no uploader registered for target kind")
)

// ValidationKind classifies pre-flight failures.
type ValidationKind int

const (
	MissingCredentialOrTool ValidationKind = iota
	MissingBucketConfig
	UnreachableBucket
)

func (k ValidationKind) String() string {
	switch k {
	case MissingCredentialOrTool:
		return "missing credential or tool"
	case MissingBucketConfig:
		return "missing bucket config"
	case UnreachableBucket:
		return "unreachable bucket"
	default:
		return fmt.Sprintf("validation(%d)", int(k))
	}
}

// ValidationError is fatal: the run aborts before any transfer.
type ValidationError struct {
	Kind   ValidationKind
	Target string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Target, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransferError is recorded in a failed Outcome; it never stops the run.
type TransferError struct {
	Target string
	Path   string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer to %s failed: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// InventoryError is fatal for the listing; no partial result is returned.
type InventoryError struct {
	Target string
	Err    error
}

func (e *InventoryError) Error() string {
	return fmt.Sprintf("inventory of %s failed: %v", e.Target, e.Err)
}

func (e *InventoryError) Unwrap() error { return e.Err }
