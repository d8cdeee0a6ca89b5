package document

import "errors"

var (
	// transaction lifecycle
	ErrNoActiveTransaction    = errors.New("no active transaction")
	ErrTransactionAlreadyOpen = errors.New("transaction already open")

	// structural errors
	ErrInvalidMove        = errors.New("invalid move")
	ErrBlockNotFound      = errors.New("block not found")
	ErrRootBlock          = errors.New("operation not allowed on root block")
	ErrIndexOutOfRange    = errors.New("index out of range")
	ErrInvariantViolation = errors.New("document invariant violated")

	// payload errors
	ErrInvalidBlockData = errors.New("invalid block data")
	ErrInvalidAttribute = errors.New("invalid text attribute")
	ErrTextUnsupported  = errors.New("block type has no text content")

	// replication errors
	ErrMalformedUpdate = errors.New("malformed update")
)
