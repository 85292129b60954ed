package protocol

import (
	"fmt"
	"strings"
)

// Code is the closed set of failure kinds raised by the protocol engine.
type Code int

const (
	CodeUnknown Code = iota
	// CodeBadData: the application passed a value no codec can serialize.
	CodeBadData
	// CodeRemoteBadData: the peer sent a payload with an unknown tag or a corrupt body.
	CodeRemoteBadData
	CodeMissingClientKey
	CodeBadClientKey
	CodeUnsupportedProtocol
	// CodeRemoteBadFrame: inbound stream bytes are not a valid frame.
	CodeRemoteBadFrame
	// CodeRemoteBadTCPCommand: command byte not legal for the negotiated version.
	CodeRemoteBadTCPCommand
	// CodeIllegalCommand: local attempt to encode a command the version does not allow.
	CodeIllegalCommand
	CodeTransport
	CodeNotConnected
)

func (c Code) String() string {
	switch c {
	case CodeBadData:
		return "ERR_BAD_DATA"
	case CodeRemoteBadData:
		return "ERR_REMOTE_BAD_DATA"
	case CodeMissingClientKey:
		return "ERR_MISSING_CLIENT_KEY"
	case CodeBadClientKey:
		return "ERR_BAD_CLIENT_KEY"
	case CodeUnsupportedProtocol:
		return "ERR_UNSUPPORTED_PROTOCOL"
	case CodeRemoteBadFrame:
		return "ERR_REMOTE_BAD_FRAME"
	case CodeRemoteBadTCPCommand:
		return "ERR_REMOTE_BAD_TCP_COMMAND"
	case CodeIllegalCommand:
		return "ERR_ILLEGAL_COMMAND"
	case CodeTransport:
		return "ERR_TRANSPORT"
	case CodeNotConnected:
		return "ERR_NOT_CONNECTED"
	default:
		return "ERR_UNKNOWN"
	}
}

// Error carries a Code plus whatever context was known where it was raised.
// Two *Error values match under errors.Is when their codes are equal, so
// the Err* sentinels below can be used as targets.
type Error struct {
	Code          Code
	Msg           string
	Local         string
	Remote        string
	Cmd           byte
	Version       int
	RemoteVersion int
	Err           error
}

var (
	ErrBadData             = &Error{Code: CodeBadData}
	ErrRemoteBadData       = &Error{Code: CodeRemoteBadData}
	ErrMissingClientKey    = &Error{Code: CodeMissingClientKey}
	ErrBadClientKey        = &Error{Code: CodeBadClientKey}
	ErrUnsupportedProtocol = &Error{Code: CodeUnsupportedProtocol}
	ErrRemoteBadFrame      = &Error{Code: CodeRemoteBadFrame}
	ErrRemoteBadTCPCommand = &Error{Code: CodeRemoteBadTCPCommand}
	ErrIllegalCommand      = &Error{Code: CodeIllegalCommand}
	ErrTransport           = &Error{Code: CodeTransport}
	ErrNotConnected        = &Error{Code: CodeNotConnected}
)

// NewError returns an *Error with a formatted message.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError returns an *Error wrapping err.
func WrapError(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Remote != "" {
		b.WriteString(" (remote ")
		b.WriteString(e.Remote)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf extracts the Code of err, or CodeUnknown.
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeUnknown
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}
