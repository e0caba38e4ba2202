package ftps

import "fmt"

// Code identifies a worker-level error category. The numeric values are
// stable because they travel over the host channel.
type Code int

const (
	ErrUnknownHost Code = iota + 1
	ErrCouldNotConnect
	ErrUserCanceled
	ErrCouldNotLogin
	ErrSlaveDefined
	ErrInternal
	ErrCannotResume
	ErrIsDirectory
	ErrIsFile
	ErrDoesNotExist
	ErrCannotEnterDirectory
	ErrDirAlreadyExist
	ErrCouldNotMkdir
	ErrCannotRename
	ErrCannotDelete
	ErrCannotChmod
	ErrCannotOpenForReading
	ErrCannotOpenForWriting
	ErrCouldNotRead
	ErrCouldNotWrite
	ErrDiskFull
	ErrConnectionBroken
	ErrCyclicLink
	ErrFileAlreadyExist
	ErrCannotDeletePartial
	ErrCannotRenamePartial
	ErrUnsupportedAction
	ErrWriteAccessDenied
)

var codeNames = map[Code]string{
	ErrUnknownHost:          "ERR_UNKNOWN_HOST",
	ErrCouldNotConnect:      "ERR_COULD_NOT_CONNECT",
	ErrUserCanceled:         "ERR_USER_CANCELED",
	ErrCouldNotLogin:        "ERR_COULD_NOT_LOGIN",
	ErrSlaveDefined:         "ERR_SLAVE_DEFINED",
	ErrInternal:             "ERR_INTERNAL",
	ErrCannotResume:         "ERR_CANNOT_RESUME",
	ErrIsDirectory:          "ERR_IS_DIRECTORY",
	ErrIsFile:               "ERR_IS_FILE",
	ErrDoesNotExist:         "ERR_DOES_NOT_EXIST",
	ErrCannotEnterDirectory: "ERR_CANNOT_ENTER_DIRECTORY",
	ErrDirAlreadyExist:      "ERR_DIR_ALREADY_EXIST",
	ErrCouldNotMkdir:        "ERR_COULD_NOT_MKDIR",
	ErrCannotRename:         "ERR_CANNOT_RENAME",
	ErrCannotDelete:         "ERR_CANNOT_DELETE",
	ErrCannotChmod:          "ERR_CANNOT_CHMOD",
	ErrCannotOpenForReading: "ERR_CANNOT_OPEN_FOR_READING",
	ErrCannotOpenForWriting: "ERR_CANNOT_OPEN_FOR_WRITING",
	ErrCouldNotRead:         "ERR_COULD_NOT_READ",
	ErrCouldNotWrite:        "ERR_COULD_NOT_WRITE",
	ErrDiskFull:             "ERR_DISK_FULL",
	ErrConnectionBroken:     "ERR_CONNECTION_BROKEN",
	ErrCyclicLink:           "ERR_CYCLIC_LINK",
	ErrFileAlreadyExist:     "ERR_FILE_ALREADY_EXIST",
	ErrCannotDeletePartial:  "ERR_CANNOT_DELETE_PARTIAL",
	ErrCannotRenamePartial:  "ERR_CANNOT_RENAME_PARTIAL",
	ErrUnsupportedAction:    "ERR_UNSUPPORTED_ACTION",
	ErrWriteAccessDenied:    "ERR_WRITE_ACCESS_DENIED",
}

// String returns the wire name of the code as it appears on the host channel.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ERR_%d", int(c))
}

// Error is a failure reported to the host process. Text is the user-visible
// payload: a path, a host, or "host: reason". Passwords never appear here.
type Error struct {
	Code Code
	Text string

	// Cause carries protocol-level context when the failure came from an
	// unexpected server reply. Only Code and Text travel to the host.
	Cause error
}

func (e *Error) Error() string {
	if e.Text == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a worker error from a code and its textual payload.
func NewError(code Code, text string) *Error {
	return &Error{Code: code, Text: text}
}

func newError(code Code, text string) *Error {
	return NewError(code, text)
}

// ProtocolError carries the full context of an unexpected server reply.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "PROT P")
	Command string

	// Response is the raw reply line received from the server
	Response string

	// ReplyCode is the numeric FTP reply code (e.g., 550)
	ReplyCode int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftps: %s failed: %s (code %d)", e.Command, e.Response, e.ReplyCode)
}
