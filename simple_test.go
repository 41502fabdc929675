package pgstream

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pgstream/pkg/mock"
	"github.com/lib/pgstream/pkg/types"
)

func TestQuerySimpleMultipleStatements(t *testing.T) {
	fs, host, port := listenFakeServer(t)

	ready := make(chan struct{})
	go func() {
		defer close(ready)
		fs.accept()
		fs.authenticateOK(1, 2)

		if typed := fs.next(); typed != types.ClientSimpleQuery {
			t.Errorf("expected SimpleQuery, got %s", typed)
			return
		}

		fs.send(mock.NewStream(t).
			RowDescription([]mock.MockField{{Name: "id", DataTypeOID: pgtype.TextOID}}).
			DataRow([][]byte{[]byte("1")}).
			DataRow([][]byte{[]byte("2")}).
			CommandComplete("SELECT 2").
			CommandComplete("INSERT 0 1").
			ReadyForQuery(types.TransactionIdle))
	}()

	conn := connectFake(t, fs, host, port)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := conn.QuerySimple(ctx, "SELECT id FROM t; INSERT INTO t VALUES (3)")
	if err != nil {
		t.Fatalf("QuerySimple: %v", err)
	}

	var ids []string
	for rows.Next(ctx) {
		v, err := rows.Row().DecodeByName("id")
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		ids = append(ids, v.(string))
	}
	if rows.Err() != nil {
		t.Fatalf("Rows.Err: %v", rows.Err())
	}

	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Fatalf("unexpected rows: %v", ids)
	}

	tags := rows.CommandTags()
	if len(tags) != 2 || tags[0].Tag != "SELECT 2" || tags[1].Tag != "INSERT 0 1" {
		t.Fatalf("unexpected command tags: %+v", tags)
	}

	<-ready
}
