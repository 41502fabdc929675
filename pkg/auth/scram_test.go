package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
	"github.com/neilotoole/slogt"
	"golang.org/x/crypto/pbkdf2"
)

// TestNegotiateSCRAM exercises the full SCRAM-SHA-256 exchange against a
// live fake server goroutine rather than a canned byte stream, since the
// client nonce is generated from crypto/rand and can't be predicted ahead
// of time.
func TestNegotiateSCRAM(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	const password = "wonderland"

	serverErr := make(chan error, 1)
	go func() { serverErr <- runSCRAMServer(t, serverConn, password) }()

	reader := buffer.NewReader(slogt.New(t), clientConn, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), clientConn)

	clientConn.SetDeadline(time.Now().Add(5 * time.Second))
	serverConn.SetDeadline(time.Now().Add(5 * time.Second))

	if err := negotiateSCRAM(reader, writer, password, []string{mechanismSCRAMSHA256}); err != nil {
		t.Fatalf("negotiateSCRAM: %v", err)
	}

	if err := <-serverErr; err != nil {
		t.Fatalf("fake server: %v", err)
	}
}

// runSCRAMServer plays the server half of SCRAM-SHA-256, reading the
// client's SASLInitialResponse/SASLResponse frames via buffer.Reader and
// writing AuthenticationSASLContinue/AuthenticationSASLFinal frames back,
// verifying the client's proof the same way a real server would.
func runSCRAMServer(t *testing.T, conn net.Conn, password string) error {
	t.Helper()

	reader := buffer.NewReader(slogt.New(t), conn, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(slogt.New(t), conn)

	typed, _, err := reader.ReadTypedMsg()
	if err != nil {
		return fmt.Errorf("reading client first message: %w", err)
	}
	if typed != types.ClientPassword {
		return fmt.Errorf("expected password message, got %s", typed)
	}

	mechanism, err := reader.GetString()
	if err != nil {
		return err
	}
	if mechanism != mechanismSCRAMSHA256 {
		return fmt.Errorf("unexpected mechanism %q", mechanism)
	}

	length, err := reader.GetInt32()
	if err != nil {
		return err
	}
	clientFirstMessage, err := reader.GetBytes(int(length))
	if err != nil {
		return err
	}

	clientFirstBare := strings.TrimPrefix(string(clientFirstMessage), "n,,")
	clientNonce := strings.TrimPrefix(strings.Split(clientFirstBare, ",")[1], "r=")

	serverNonceSuffix := "server-" + base64.RawStdEncoding.EncodeToString([]byte("fixed-test-entropy"))
	nonce := clientNonce + serverNonceSuffix

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	const iterations = 4096

	serverFirst := fmt.Sprintf("r=%s,s=%s,i=%d", nonce, base64.StdEncoding.EncodeToString(salt), iterations)

	writer.Start(types.ServerAuth)
	writer.AddInt32(11)
	writer.AddString(serverFirst)
	if err := writer.End(); err != nil {
		return err
	}

	typed, _, err = reader.ReadTypedMsg()
	if err != nil {
		return fmt.Errorf("reading client final message: %w", err)
	}
	if typed != types.ClientPassword {
		return fmt.Errorf("expected password message, got %s", typed)
	}

	clientFinalMessage, err := reader.GetBytes(len(reader.Msg))
	if err != nil {
		return err
	}

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := "c=" + channelBinding + ",r=" + nonce

	parts := strings.Split(string(clientFinalMessage), ",p=")
	if len(parts) != 2 {
		return fmt.Errorf("malformed client-final-message %q", clientFinalMessage)
	}
	if parts[0] != clientFinalWithoutProof {
		return fmt.Errorf("client-final-message-without-proof mismatch: got %q want %q", parts[0], clientFinalWithoutProof)
	}

	clientProof, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return err
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iterations, sha256.Size, sha256.New)
	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalWithoutProof
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))
	expectedClientKey := xorBytes(clientProof, clientSignature)

	if !hmac.Equal(expectedClientKey, clientKey) {
		return fmt.Errorf("client proof verification failed")
	}

	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))
	serverSignature := hmacSHA256(serverKey, []byte(authMessage))
	serverFinal := "v=" + base64.StdEncoding.EncodeToString(serverSignature)

	writer.Start(types.ServerAuth)
	writer.AddInt32(12)
	writer.AddString(serverFinal)
	return writer.End()
}
