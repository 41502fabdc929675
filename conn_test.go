package pgstream

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pgstream/pkg/mock"
	"github.com/lib/pgstream/pkg/types"
)

func TestConnectHandshake(t *testing.T) {
	fs, host, port := listenFakeServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.accept()
		fs.authenticateOK(555, 999)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx,
		WithHost(host),
		WithPort(port),
		WithCredentials("tester", ""),
		WithSSLMode(SSLDisable),
		WithAutodetectExtensions(false),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	<-done

	if conn.ProcessID() != 555 {
		t.Errorf("ProcessID() = %d, want 555", conn.ProcessID())
	}

	if conn.TransactionStatus() != types.TransactionIdle {
		t.Errorf("TransactionStatus() = %v, want TransactionIdle", conn.TransactionStatus())
	}

	raw, num := conn.ServerVersion()
	if raw != "14.3" {
		t.Errorf("ServerVersion() raw = %q, want 14.3", raw)
	}
	if num != 140003 {
		t.Errorf("ServerVersion() num = %d, want 140003", num)
	}
}

// TestConnectAutodetectsExtensionOIDs answers the connect-time pg_type
// lookup with an hstore OID and expects the codec registry to decode that
// OID as plain text afterwards.
func TestConnectAutodetectsExtensionOIDs(t *testing.T) {
	fs, host, port := listenFakeServer(t)

	const hstoreOID = 16453

	done := make(chan struct{})
	go func() {
		defer close(done)
		fs.accept()
		fs.authenticateOK(1, 2)

		if typed := fs.next(); typed != types.ClientSimpleQuery {
			t.Errorf("expected pg_type lookup as SimpleQuery, got %s", typed)
			return
		}
		fs.send(mock.NewStream(t).
			RowDescription([]mock.MockField{
				{Name: "oid", DataTypeOID: pgtype.OIDOID, Format: 0},
				{Name: "typname", DataTypeOID: pgtype.NameOID, Format: 0},
			}).
			DataRow([][]byte{[]byte("16453"), []byte("hstore")}).
			CommandComplete("SELECT 1").
			ReadyForQuery(types.TransactionIdle))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Connect(ctx,
		WithHost(host),
		WithPort(port),
		WithCredentials("tester", ""),
		WithSSLMode(SSLDisable),
	)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	<-done

	v, err := conn.codecs.Decode([]byte(`"a"=>"1"`), hstoreOID, 0)
	if err != nil {
		t.Fatalf("decoding autodetected extension type: %v", err)
	}
	if v != `"a"=>"1"` {
		t.Fatalf("expected plain text decode, got %v", v)
	}
}
