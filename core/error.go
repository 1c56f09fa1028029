package core

// ClientError is an error that may be surfaced to the client connection that
// caused it, as an error event with a stable code. Anything that is not a
// ClientError stays server-side.
type ClientError struct {
	Code string
	msg  string
}

func NewClientError(code, msg string) *ClientError {
	return &ClientError{Code: code, msg: msg}
}

func (e *ClientError) Error() string {
	return e.msg
}

var (
	// ErrNotOwner rejects owner-only actions from a connection that does
	// not belong to the room creator.
	ErrNotOwner = NewClientError("not-owner", "caller is not the room owner")
	// ErrNotMember rejects relay actions from a connection that is not a
	// member of the room.
	ErrNotMember = NewClientError("not-member", "caller is not a room member")
	// ErrUnauthorized rejects the global destructive operation without a
	// valid admin credential.
	ErrUnauthorized = NewClientError("unauthorized", "missing or invalid admin credential")
)
