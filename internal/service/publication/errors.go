package publication

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the publication service layer.
var (
	ErrNotFound          = errors.New("publication not found")
	ErrMessageNotFound   = errors.New("guidance message not found")
	ErrAlreadyRolledBack = errors.New("publication already rolled back")
	ErrWindowExpired     = errors.New("rollback window expired")
	ErrInvalidSchedule   = errors.New("scheduled time is inside the grace period")
	ErrNotAbandonable    = errors.New("only scheduled publications can be abandoned")
	ErrSegmentNotFound   = errors.New("audience segment not found")
)

// UnsafeError reports an unsafe gate verdict. It is expected and
// retryable: the job is re-enqueued with backoff, never permanently
// failed on gate diagnostics alone.
type UnsafeError struct {
	FailedChecks []string
}

func (e *UnsafeError) Error() string {
	return fmt.Sprintf("gate check unsafe: %s", strings.Join(e.FailedChecks, ", "))
}

// IsUnsafe reports whether err is an unsafe gate verdict.
func IsUnsafe(err error) bool {
	var ue *UnsafeError
	return errors.As(err, &ue)
}
