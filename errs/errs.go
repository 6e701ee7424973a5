package errs

import "errors"

//Protocol and storage error sentinels shared between the broker
//core and the websocket facade. The facade maps these onto wire
//error codes, so additions here need a matching code below.
var (
	//ErrStorageUnavailable signals a backend I/O failure. Transient;
	//the caller may retry the whole operation.
	ErrStorageUnavailable = errors.New("storage backend unavailable")

	//ErrNotFound signals a missing row. Benign for delete/expire
	//paths which treat it as a no-op.
	ErrNotFound = errors.New("not found")

	//ErrPrimaryStillActive rejects a primary-device handoff while the
	//current primary still holds a live connection
	ErrPrimaryStillActive = errors.New("current primary device is still active")

	//ErrUnknownAccount rejects primary-device operations for an
	//account the broker has never seen a session for
	ErrUnknownAccount = errors.New("unknown account")

	//ErrUnimplemented is returned for wire request types the server
	//does not handle
	ErrUnimplemented = errors.New("unimplemented request type")

	//ErrValidation covers malformed requests; wrap it with detail
	ErrValidation = errors.New("validation failed")

	//ErrSessionRequired rejects bound-only requests from connections
	//that have not completed new-session/resume-session
	ErrSessionRequired = errors.New("session must be established first")

	//ErrBadToken rejects a resume-session with a token that does not
	//verify against the presented session
	ErrBadToken = errors.New("invalid session token")
)

//Wire error codes, stable strings clients can switch on
const (
	CodeStorageUnavailable = "storage-unavailable"
	CodeNotFound           = "not-found"
	CodePrimaryActive      = "primary-still-active"
	CodeUnknownAccount     = "unknown-account"
	CodeUnimplemented      = "unimplemented"
	CodeValidation         = "validation"
	CodeSessionRequired    = "session-required"
	CodeBadToken           = "bad-token"
	CodeInternal           = "internal"
)

//Retryable reports whether the error is transient from the caller's
//point of view. Only storage outages qualify; protocol rejections
//are permanent.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

//Code maps an error to its wire code. Unknown errors are reported
//as internal rather than leaking their text as a code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPrimaryStillActive):
		return CodePrimaryActive
	case errors.Is(err, ErrUnknownAccount):
		return CodeUnknownAccount
	case errors.Is(err, ErrUnimplemented):
		return CodeUnimplemented
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrSessionRequired):
		return CodeSessionRequired
	case errors.Is(err, ErrBadToken):
		return CodeBadToken
	}
	return CodeInternal
}
