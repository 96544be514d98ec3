package copad

import (
	"fmt"
)

// log integrity violations. These reject the offending operation and leave
// the log untouched; they are surfaced to the submitting client as typed
// error events and never tear down the connection.

type IdentityMismatchError struct {
	OpId        Id
	DeclaredId  Id
	SubmitterId Id
}

func (self *IdentityMismatchError) Error() string {
	return fmt.Sprintf("operation %s declares author %s but was submitted by %s", self.OpId, self.DeclaredId, self.SubmitterId)
}

type DuplicateOperationError struct {
	OpId Id
}

func (self *DuplicateOperationError) Error() string {
	return fmt.Sprintf("operation %s already appended", self.OpId)
}

type UnknownOperationError struct {
	OpId Id
}

func (self *UnknownOperationError) Error() string {
	return fmt.Sprintf("operation %s is not in the log or already neutralized", self.OpId)
}

// ProtocolError marks a malformed frame, unknown event or wrong payload
// shape. The offending message is ignored; the connection is only dropped
// when these recur before identification completes.
type ProtocolError struct {
	Event   string
	Message string
}

func (self *ProtocolError) Error() string {
	if self.Event == "" {
		return fmt.Sprintf("protocol error: %s", self.Message)
	}
	return fmt.Sprintf("protocol error on %s: %s", self.Event, self.Message)
}

type AuthenticationError struct {
	Message string
}

func (self *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", self.Message)
}

type StorageError struct {
	Op      string
	Project string
	Err     error
}

func (self *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %s", self.Op, self.Project, self.Err)
}

func (self *StorageError) Unwrap() error {
	return self.Err
}

// error event codes
const (
	ErrorCodeProtocol       = 400
	ErrorCodeIdentity       = 403
	ErrorCodeAuthentication = 401
	ErrorCodeDuplicate      = 409
	ErrorCodeUnknownOp      = 404
	ErrorCodeStorage        = 502
)

func errorCode(err error) int {
	switch err.(type) {
	case *IdentityMismatchError:
		return ErrorCodeIdentity
	case *DuplicateOperationError:
		return ErrorCodeDuplicate
	case *UnknownOperationError:
		return ErrorCodeUnknownOp
	case *AuthenticationError:
		return ErrorCodeAuthentication
	case *StorageError:
		return ErrorCodeStorage
	case *ProtocolError:
		return ErrorCodeProtocol
	default:
		return 500
	}
}

func errorKind(err error) string {
	switch err.(type) {
	case *IdentityMismatchError:
		return "identity_mismatch"
	case *DuplicateOperationError:
		return "duplicate_operation"
	case *UnknownOperationError:
		return "unknown_operation"
	case *AuthenticationError:
		return "authentication"
	case *StorageError:
		return "storage"
	case *ProtocolError:
		return "protocol"
	default:
		return "internal"
	}
}
