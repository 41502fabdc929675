package auth

import (
	"crypto/md5"
	"encoding/hex"

	"github.com/lib/pgstream/pkg/buffer"
	"github.com/lib/pgstream/pkg/types"
)

// computeMD5Password implements Postgres's MD5 password obfuscation:
// "md5" || hex(md5(hex(md5(password || username)) || salt))
func computeMD5Password(username, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + username))
	outer := md5.Sum(append(append([]byte(nil), []byte(hex.EncodeToString(inner[:]))...), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// writeMD5Password answers an AuthenticationMD5Password request.
func writeMD5Password(writer *buffer.Writer, username, password string, salt []byte) error {
	writer.StartClient(types.ClientPassword)
	writer.AddString(computeMD5Password(username, password, salt))
	writer.AddNullTerminate()
	return writer.EndClient()
}
