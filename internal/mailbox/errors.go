package mailbox

import "errors"

// Error taxonomy shared by all backends. Callers match with errors.Is;
// backends wrap these with context via fmt.Errorf and %w. Raw filesystem
// errors propagate unwrapped.
var (
	// ErrNotFound reports a name, message number or UID that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists reports a create or rename target that is already taken.
	ErrExists = errors.New("already exists")

	// ErrHasChildren reports a delete on a mailbox with inferior names.
	ErrHasChildren = errors.New("has inferior hierarchical names")

	// ErrInUse reports a delete or rename on a currently open mailbox.
	ErrInUse = errors.New("mailbox in use")

	// ErrUnsupported reports an operation the backend does not offer.
	ErrUnsupported = errors.New("operation not supported")

	// ErrInvalidName reports a mailbox name that fails validation.
	ErrInvalidName = errors.New("invalid mailbox name")

	// ErrInvalidState reports a streaming call issued out of order.
	ErrInvalidState = errors.New("invalid state")

	// ErrCorrupt reports a violated on-disk invariant. Per-message corruption
	// is logged and skipped; store-level corruption surfaces this error.
	ErrCorrupt = errors.New("corrupt mailbox data")
)
