package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pgstream/codes"
	pgerror "github.com/lib/pgstream/errors"
	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
	"golang.org/x/crypto/pbkdf2"
)

// mechanismSCRAMSHA256 is the only SASL mechanism this driver speaks. The
// server also allows "SCRAM-SHA-256-PLUS" (channel binding) which this
// driver never advertises support for.
const mechanismSCRAMSHA256 = "SCRAM-SHA-256"

// readSASLMechanisms reads the NUL-terminated, empty-string-terminated list
// of SASL mechanisms the server offers inside an AuthenticationSASL message.
func readSASLMechanisms(reader *buffer.Reader) ([]string, error) {
	var mechanisms []string
	for {
		s, err := reader.GetString()
		if err != nil {
			return nil, err
		}

		if s == "" {
			return mechanisms, nil
		}

		mechanisms = append(mechanisms, s)
	}
}

// negotiateSCRAM performs the SCRAM-SHA-256 exchange described in RFC 5802
// (the generic SCRAM mechanism) and RFC 7677 (binding SCRAM to SHA-256),
// reading the server's SASLContinue/SASLFinal frames and writing the
// client's SASLInitialResponse/SASLResponse frames in turn.
func negotiateSCRAM(reader *buffer.Reader, writer *buffer.Writer, password string, mechanisms []string) error {
	if !containsMechanism(mechanisms, mechanismSCRAMSHA256) {
		return pgerror.WithCode(fmt.Errorf("server does not offer %s", mechanismSCRAMSHA256), codes.FeatureNotSupported)
	}

	clientNonce, err := newNonce()
	if err != nil {
		return err
	}

	clientFirstBare := "n=,r=" + clientNonce
	clientFirstMessage := "n,," + clientFirstBare

	if err := writeSASLInitialResponse(writer, mechanismSCRAMSHA256, clientFirstMessage); err != nil {
		return err
	}

	typed, _, err := reader.ReadBackendTypedMsg()
	if err != nil {
		return err
	}

	if typed == types.ServerErrorResponse {
		return readErrorResponse(reader)
	}

	if typed != types.ServerAuth {
		return pgerror.WithCode(fmt.Errorf("unexpected message %s during SCRAM exchange", typed), codes.ProtocolViolation)
	}

	kind, err := reader.GetInt32()
	if err != nil {
		return err
	}

	if requestType(kind) != requestSASLContinue {
		return pgerror.WithCode(fmt.Errorf("expected SASLContinue, got request type %d", kind), codes.ProtocolViolation)
	}

	serverFirst, err := reader.GetBytes(len(reader.Msg))
	if err != nil {
		return err
	}

	nonce, salt, iterations, err := parseServerFirstMessage(string(serverFirst))
	if err != nil {
		return err
	}

	if !strings.HasPrefix(nonce, clientNonce) {
		return pgerror.WithCode(fmt.Errorf("server nonce does not extend client nonce"), codes.ProtocolViolation)
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce
	authMessage := clientFirstBare + "," + string(serverFirst) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMessage := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	if err := writeSASLResponse(writer, clientFinalMessage); err != nil {
		return err
	}

	typed, _, err = reader.ReadBackendTypedMsg()
	if err != nil {
		return err
	}

	if typed == types.ServerErrorResponse {
		return readErrorResponse(reader)
	}

	if typed != types.ServerAuth {
		return pgerror.WithCode(fmt.Errorf("unexpected message %s during SCRAM exchange", typed), codes.ProtocolViolation)
	}

	kind, err = reader.GetInt32()
	if err != nil {
		return err
	}

	if requestType(kind) != requestSASLFinal {
		return pgerror.WithCode(fmt.Errorf("expected SASLFinal, got request type %d", kind), codes.ProtocolViolation)
	}

	serverFinal, err := reader.GetBytes(len(reader.Msg))
	if err != nil {
		return err
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	wantSignature := "v=" + base64.StdEncoding.EncodeToString(serverSignature)

	if string(serverFinal) != wantSignature {
		return pgerror.WithCode(fmt.Errorf("server signature verification failed"), codes.InvalidPassword)
	}

	return nil
}

func writeSASLInitialResponse(writer *buffer.Writer, mechanism, clientFirstMessage string) error {
	writer.StartClient(types.ClientPassword)
	writer.AddString(mechanism)
	writer.AddNullTerminate()
	writer.AddInt32(int32(len(clientFirstMessage)))
	writer.AddString(clientFirstMessage)
	return writer.EndClient()
}

func writeSASLResponse(writer *buffer.Writer, clientFinalMessage string) error {
	writer.StartClient(types.ClientPassword)
	writer.AddString(clientFinalMessage)
	return writer.EndClient()
}

// parseServerFirstMessage parses "r=<nonce>,s=<base64 salt>,i=<iterations>".
func parseServerFirstMessage(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = strings.TrimPrefix(part, "r=")
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(part, "s="))
			if err != nil {
				return "", nil, 0, pgerror.WithCode(fmt.Errorf("decoding SCRAM salt: %w", err), codes.ProtocolViolation)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(strings.TrimPrefix(part, "i="))
			if err != nil {
				return "", nil, 0, pgerror.WithCode(fmt.Errorf("parsing SCRAM iteration count: %w", err), codes.ProtocolViolation)
			}
		}
	}

	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, pgerror.WithCode(fmt.Errorf("malformed server-first-message %q", msg), codes.ProtocolViolation)
	}

	return nonce, salt, iterations, nil
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func containsMechanism(mechanisms []string, want string) bool {
	for _, m := range mechanisms {
		if m == want {
			return true
		}
	}
	return false
}

// newNonce generates a client nonce as base64 of 18 random bytes, matching
// the entropy typical SCRAM client implementations use.
func newNonce() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}
