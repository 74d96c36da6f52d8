package call

import "errors"

// Surface-level precondition failures of StartBatch. They are reported
// before any transport interaction; the call state is left as it was.
var (
	// ErrTooManyOperations - an operation of the same kind is already
	// pending on this call.
	ErrTooManyOperations = errors.New("call: too many operations")
	// ErrAlreadyInvoked - an operation of this kind was already performed
	// and cannot be repeated.
	ErrAlreadyInvoked = errors.New("call: operation already invoked")
	// ErrNotOnServer - the operation is valid only on client calls.
	ErrNotOnServer = errors.New("call: operation not available on a server call")
	// ErrNotOnClient - the operation is valid only on server calls.
	ErrNotOnClient = errors.New("call: operation not available on a client call")
	// ErrInvalidMetadata - a metadata element has an unusable key.
	ErrInvalidMetadata = errors.New("call: invalid metadata")
)
