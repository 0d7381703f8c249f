package syncer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/tallybook/tally/internal/ledger"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/remote/devserver"
	"github.com/tallybook/tally/internal/store"
	"github.com/tallybook/tally/internal/syncer"
)

// Example_upload records two expenses, deletes one and uploads the result to
// an in-memory sync service.
func Example_upload() {
	ctx := context.Background()

	srv, err := devserver.New(devserver.Options{Secret: "example"})
	if err != nil {
		log.Fatal(err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	dir, err := os.MkdirTemp("", "tally-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(ctx, filepath.Join(dir, "tally.db"), nil)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()
	led := ledger.New(st, nil)

	client, err := remote.NewHTTPClient(ts.URL, remote.HTTPOptions{Timeout: 5 * time.Second})
	if err != nil {
		log.Fatal(err)
	}
	eng, err := syncer.New(st, led, client, syncer.Options{})
	if err != nil {
		log.Fatal(err)
	}
	defer eng.Stop()

	token, _ := srv.IssueToken("alice")
	if err := led.SetCredential(ctx, ledger.Credential{Token: token, Account: "alice"}); err != nil {
		log.Fatal(err)
	}

	_ = led.PutRecord(ctx, ledger.Expenses, json.RawMessage(`{"id":"e1","ts":1,"amount":12.5}`))
	_ = led.PutRecord(ctx, ledger.Expenses, json.RawMessage(`{"id":"e2","ts":2,"amount":3}`))
	_ = led.DeleteRecord(ctx, ledger.Expenses, "e2")

	if err := eng.Upload(ctx); err != nil {
		log.Fatal(err)
	}

	var expenses []json.RawMessage
	_ = json.Unmarshal(srv.Data("alice")[string(ledger.Expenses)], &expenses)
	fmt.Println("expenses on server:", len(expenses))
	fmt.Println("deleted on server:", srv.Tombstones("alice")[string(ledger.Expenses)])
	// Output:
	// expenses on server: 1
	// deleted on server: [e2]
}
