package pg

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/bobg/seqvault/store/storetest"
)

const connVar = "SEQVAULT_PG_TESTING_CONN"

func TestStore(t *testing.T) {
	connstr := os.Getenv(connVar)
	if connstr == "" {
		t.Skipf("to run %s, set %s to a valid Postgresql connection string for an empty database", t.Name(), connVar)
	}

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	s, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	storetest.All(ctx, t, s)
}
