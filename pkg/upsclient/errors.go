package upsclient

import (
	"fmt"
	"strings"
)

// ErrorKind classifies everything that can go wrong during a session,
// from socket-level failures up to errors reported by the server itself.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota

	// Transport failures. Any of these closes the session; the caller must
	// reconnect before issuing further requests.
	KindNoSuchHost
	KindSocketFailure
	KindBindFailure
	KindConnectFailure
	KindWrite
	KindRead
	KindServerDisconnected
	KindSSLNotSupported
	KindSSLError

	// Protocol-level failures: the server answered, but not with what we
	// asked for. The session stays open.
	KindProtocol
	KindParse
	KindInvalidArgument
	KindInvalidResponse

	// Server-reported errors (ERR <token> responses). The session stays
	// open; these are application-level failures.
	KindVarNotSupported
	KindUnknownUPS
	KindInvalidListType
	KindAccessDenied
	KindPasswordRequired
	KindPasswordIncorrect
	KindMissingArgument
	KindDataStale
	KindVarUnknown
	KindAlreadyLoggedIn
	KindAlreadySetPassword
	KindUnknownType
	KindUnknownVar
	KindReadOnly
	KindTooLong
	KindInvalidValue
	KindSetFailed
	KindUnknownInstCmd
	KindInstCmdFailed
	KindCmdNotSupported
	KindInvalidUsername
	KindAlreadySetUsername
	KindUnknownCommand
	KindInvalidPassword
	KindUsernameRequired
	KindDriverNotConnected

	KindOutOfMemory
)

var kindText = map[ErrorKind]string{
	KindUnknown:            "unknown error",
	KindNoSuchHost:         "no such host",
	KindSocketFailure:      "socket failure",
	KindBindFailure:        "bind failure",
	KindConnectFailure:     "connection failure",
	KindWrite:              "write error",
	KindRead:               "read error",
	KindServerDisconnected: "server disconnected",
	KindSSLNotSupported:    "TLS is not available",
	KindSSLError:           "TLS error",
	KindProtocol:           "protocol error",
	KindParse:              "parse error",
	KindInvalidArgument:    "invalid argument",
	KindInvalidResponse:    "invalid response from server",
	KindVarNotSupported:    "variable not supported by UPS",
	KindUnknownUPS:         "unknown UPS",
	KindInvalidListType:    "invalid list type",
	KindAccessDenied:       "access denied",
	KindPasswordRequired:   "password required",
	KindPasswordIncorrect:  "password incorrect",
	KindMissingArgument:    "missing argument",
	KindDataStale:          "data stale",
	KindVarUnknown:         "variable unknown",
	KindAlreadyLoggedIn:    "already logged in",
	KindAlreadySetPassword: "already set password",
	KindUnknownType:        "unknown variable type",
	KindUnknownVar:         "unknown variable",
	KindReadOnly:           "read-only variable",
	KindTooLong:            "new value is too long",
	KindInvalidValue:       "invalid value for variable",
	KindSetFailed:          "set command failed",
	KindUnknownInstCmd:     "unknown instant command",
	KindInstCmdFailed:      "instant command failed",
	KindCmdNotSupported:    "instant command not supported",
	KindInvalidUsername:    "invalid username",
	KindAlreadySetUsername: "already set username",
	KindUnknownCommand:     "unknown command",
	KindInvalidPassword:    "invalid password",
	KindUsernameRequired:   "username required",
	KindDriverNotConnected: "driver not connected",
	KindOutOfMemory:        "memory allocation failure",
}

func (k ErrorKind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("invalid error kind %d", int(k))
}

// Transport reports whether an error of this kind tears down the session.
func (k ErrorKind) Transport() bool {
	switch k {
	case KindNoSuchHost, KindSocketFailure, KindBindFailure,
		KindConnectFailure, KindWrite, KindRead,
		KindServerDisconnected, KindSSLNotSupported, KindSSLError:
		return true
	}
	return false
}

// Error is the typed result of every failed session operation. Server ERR
// tokens are translated into kinds at the parsing boundary, so callers can
// switch on Kind instead of string-matching wire responses.
type Error struct {
	Kind ErrorKind
	// Cause holds the underlying OS or TLS error, when there is one.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is match against a bare &Error{Kind: ...} sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func kindErr(kind ErrorKind) *Error             { return &Error{Kind: kind} }
func wrapErr(kind ErrorKind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

// ErrKind extracts the kind from any error returned by this package.
// Non-session errors map to KindUnknown.
func ErrKind(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindUnknown
}

// serverErrTokens maps the tokens upsd may report after "ERR" to kinds.
// The list is closed; anything else becomes KindUnknown.
var serverErrTokens = map[string]ErrorKind{
	"VAR-NOT-SUPPORTED":    KindVarNotSupported,
	"UNKNOWN-UPS":          KindUnknownUPS,
	"ACCESS-DENIED":        KindAccessDenied,
	"PASSWORD-REQUIRED":    KindPasswordRequired,
	"PASSWORD-INCORRECT":   KindPasswordIncorrect,
	"MISSING-ARGUMENT":     KindMissingArgument,
	"DATA-STALE":           KindDataStale,
	"VAR-UNKNOWN":          KindVarUnknown,
	"ALREADY-LOGGED-IN":    KindAlreadyLoggedIn,
	"ALREADY-SET-PASSWORD": KindAlreadySetPassword,
	"UNKNOWN-TYPE":         KindUnknownType,
	"UNKNOWN-VAR":          KindUnknownVar,
	"READONLY":             KindReadOnly,
	"TOO-LONG":             KindTooLong,
	"INVALID-VALUE":        KindInvalidValue,
	"SET-FAILED":           KindSetFailed,
	"UNKNOWN-INSTCMD":      KindUnknownInstCmd,
	"INSTCMD-FAILED":       KindInstCmdFailed,
	"CMD-NOT-SUPPORTED":    KindCmdNotSupported,
	"INVALID-USERNAME":     KindInvalidUsername,
	"ALREADY-SET-USERNAME": KindAlreadySetUsername,
	"UNKNOWN-COMMAND":      KindUnknownCommand,
	"INVALID-PASSWORD":     KindInvalidPassword,
	"USERNAME-REQUIRED":    KindUsernameRequired,
	"DRIVER-NOT-CONNECTED": KindDriverNotConnected,
}

// checkServerErr inspects a raw response line. A line starting with "ERR"
// is translated via the token table; any other line passes through as nil.
func checkServerErr(line string) *Error {
	if !strings.HasPrefix(line, "ERR") {
		return nil
	}
	token := strings.TrimLeft(line[3:], " ")
	token, _, _ = strings.Cut(token, " ")
	if kind, ok := serverErrTokens[token]; ok {
		return kindErr(kind)
	}
	return kindErr(KindUnknown)
}
