package sd

import "errors"

// Engine operation errors. The server maps each error a request can
// produce onto one protocol fail reason. ErrNoSuchClient has no fail
// reason, and no engine operation returns ErrInvalidFilter.
var (
	ErrPermissionDenied           = errors.New("permission denied")
	ErrClientExists               = errors.New("client id already exists")
	ErrNoSuchClient               = errors.New("no such client")
	ErrNoSuchService              = errors.New("no such service")
	ErrSameGenerationButDifferent = errors.New("same generation exists with different data")
	ErrOldGeneration              = errors.New("a newer generation of the service exists")
	ErrSubExists                  = errors.New("subscription id already exists")
	ErrInvalidFilter              = errors.New("invalid filter syntax")
	ErrNoSuchSub                  = errors.New("no such subscription")
)
