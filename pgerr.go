package pgstream

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pgstream/codes"
	pgerror "github.com/lib/pgstream/errors"
	"github.com/lib/pgstream/pkg/buffer"
)

// ErrKind is the abstract error taxonomy a caller reasons about instead of
// raw SQLSTATE codes.
type ErrKind int

const (
	// KindUnknown is returned for an error carrying no SQLSTATE, or one
	// this driver was unable to classify.
	KindUnknown ErrKind = iota
	// KindTransientConnection covers socket resets and timeouts before a
	// handshake completes; retrying with a new connection is reasonable.
	KindTransientConnection
	// KindNonTransientResource covers protocol violations, authentication
	// failures, and Parse errors against unknown SQL; retrying will not help.
	KindNonTransientResource
	// KindDataIntegrity covers constraint violations (SQLSTATE class 23).
	KindDataIntegrity
	// KindBadGrammar covers syntax errors (SQLSTATE class 42).
	KindBadGrammar
	// KindTransientException covers serialization failures (40001) and
	// deadlocks (40P01); re-executing the transaction is reasonable.
	KindTransientException
	// KindRollback covers SQLSTATE class 40 (transaction rollback),
	// excluding the two codes classified as KindTransientException above;
	// starting a new transaction is required.
	KindRollback
)

func (k ErrKind) String() string {
	switch k {
	case KindTransientConnection:
		return "transient-connection"
	case KindNonTransientResource:
		return "non-transient-resource"
	case KindDataIntegrity:
		return "data-integrity"
	case KindBadGrammar:
		return "bad-grammar"
	case KindTransientException:
		return "transient-exception"
	case KindRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// Classify maps a SQLSTATE code onto the abstract error taxonomy.
func Classify(code codes.Code) ErrKind {
	switch code {
	case "40001", "40P01":
		return KindTransientException
	case codes.InvalidPassword, codes.ProtocolViolation, codes.FeatureNotSupported:
		return KindNonTransientResource
	}

	switch {
	case strings.HasPrefix(string(code), "08"):
		return KindTransientConnection
	case strings.HasPrefix(string(code), "23"):
		return KindDataIntegrity
	case strings.HasPrefix(string(code), "42"):
		return KindBadGrammar
	case strings.HasPrefix(string(code), "40"):
		return KindRollback
	default:
		return KindUnknown
	}
}

// ServerError is the decoded form of an ErrorResponse, preserving every
// field a caller may want to inspect.
type ServerError struct {
	Code     codes.Code
	Message  string
	Detail   string
	Hint     string
	Severity string
	Position int32
	Kind     ErrKind
}

func (e *ServerError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (%s): %s: %s", e.Severity, e.Code, e.Message, e.Detail)
	}

	return fmt.Sprintf("%s (%s): %s", e.Severity, e.Code, e.Message)
}

// newServerError builds a *ServerError, decorated through the
// `pgerror.WithCode`/`WithSeverity`/`WithHint`/`WithDetail` chain so that
// `errors.As`/`codes`-aware callers elsewhere in this driver can still
// unwrap the underlying decoration if they need to.
func newServerError(fields map[buffer.ServerErrFieldType]string) error {
	code := codes.Code(fields[buffer.ServerErrFieldSQLState])
	se := &ServerError{
		Code:     code,
		Message:  fields[buffer.ServerErrFieldMsgPrimary],
		Detail:   fields[buffer.ServerErrFieldDetail],
		Hint:     fields[buffer.ServerErrFieldHint],
		Severity: fields[buffer.ServerErrFieldSeverity],
		Kind:     Classify(code),
	}
	if raw := fields[buffer.ServerErrFieldPosition]; raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 32); err == nil {
			se.Position = int32(n)
		}
	}

	var err error = se
	err = pgerror.WithCode(err, code)
	err = pgerror.WithSeverity(err, pgerror.Severity(se.Severity))
	if se.Detail != "" {
		err = pgerror.WithDetail(err, se.Detail)
	}
	if se.Hint != "" {
		err = pgerror.WithHint(err, se.Hint)
	}
	if se.Position != 0 {
		err = pgerror.WithPosition(err, se.Position)
	}

	return err
}

// AsServerError unwraps err into a *ServerError, if it carries one.
func AsServerError(err error) (*ServerError, bool) {
	var se *ServerError
	if errors.As(err, &se) {
		return se, true
	}

	return nil, false
}
