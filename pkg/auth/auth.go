// Package auth implements the client side of the Postgres wire authentication
// handshake: reading the AuthenticationRequest the server announces and
// answering it with whichever strategy it names.
package auth

import (
	"context"
	"fmt"

	"github.com/lib/pgstream/codes"
	pgerror "github.com/lib/pgstream/errors"
	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// requestType represents the AuthenticationRequest subtype sent by the
// server inside a ServerAuth message.
type requestType int32

const (
	requestOK                requestType = 0
	requestCleartextPassword requestType = 3
	requestMD5Password       requestType = 5
	requestSASL              requestType = 10
	requestSASLContinue      requestType = 11
	requestSASLFinal         requestType = 12
)

// Credentials carries the information needed to answer any of the
// authentication strategies a server may request.
type Credentials struct {
	Username string
	Password string
}

// Negotiate reads the AuthenticationRequest message(s) exchanged right after
// the startup message and answers them with the strategy the server names,
// until the server reports authOK or the connection is rejected. Negotiate
// returns once authentication has concluded; a nil error means the
// connection may proceed to read ParameterStatus/BackendKeyData/ReadyForQuery.
func Negotiate(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer, creds Credentials) error {
	for {
		typed, _, err := reader.ReadBackendTypedMsg()
		if err != nil {
			return fmt.Errorf("reading authentication message: %w", err)
		}

		if typed == types.ServerErrorResponse {
			return readErrorResponse(reader)
		}

		if typed != types.ServerAuth {
			return pgerror.WithCode(fmt.Errorf("unexpected message %s during authentication", typed), codes.ProtocolViolation)
		}

		kind, err := reader.GetInt32()
		if err != nil {
			return err
		}

		switch requestType(kind) {
		case requestOK:
			return nil
		case requestCleartextPassword:
			if err := writeCleartextPassword(writer, creds.Password); err != nil {
				return err
			}
		case requestMD5Password:
			salt, err := reader.GetBytes(4)
			if err != nil {
				return err
			}

			if err := writeMD5Password(writer, creds.Username, creds.Password, salt); err != nil {
				return err
			}
		case requestSASL:
			mechanisms, err := readSASLMechanisms(reader)
			if err != nil {
				return err
			}

			if err := negotiateSCRAM(reader, writer, creds.Password, mechanisms); err != nil {
				return err
			}
		default:
			return pgerror.WithCode(fmt.Errorf("unsupported authentication request type %d", kind), codes.FeatureNotSupported)
		}
	}
}

// writeCleartextPassword answers an AuthenticationCleartextPassword request
// by sending the password as-is inside a PasswordMessage.
func writeCleartextPassword(writer *buffer.Writer, password string) error {
	writer.StartClient(types.ClientPassword)
	writer.AddString(password)
	writer.AddNullTerminate()
	return writer.EndClient()
}

// readErrorResponse drains an ErrorResponse received in place of an
// authentication request and surfaces it as a classified error.
func readErrorResponse(reader *buffer.Reader) error {
	fields := map[buffer.ServerErrFieldType]string{}

	for {
		t, err := reader.GetBytes(1)
		if err != nil {
			return err
		}

		if t[0] == 0 {
			break
		}

		value, err := reader.GetString()
		if err != nil {
			return err
		}

		fields[buffer.ServerErrFieldType(t[0])] = value
	}

	msg := fields[buffer.ServerErrFieldMsgPrimary]
	code := codes.Code(fields[buffer.ServerErrFieldSQLState])
	return pgerror.WithCode(fmt.Errorf("authentication failed: %s", msg), code)
}
