package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mypydevs/Ultraloader/config"
	"github.com/mypydevs/Ultraloader/job"
)

var (
	mu       sync.Mutex
	received []job.Event
	evServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var ev job.Event
		if err := json.Unmarshal(body, &ev); err == nil {
			mu.Lock()
			received = append(received, ev)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	ctx = context.Background()
)

func TestNotifierDelivery(t *testing.T) {
	testCfgFile := "../config.test.json"
	cfg, err := config.Parse(testCfgFile)
	if err != nil {
		t.Fatalf("Could not load test configuration %s. Operation returned %s", testCfgFile, err)
	}

	n, err := New("http", evServer.URL, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(ctx, cfg.Backends["http"]); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 3; i++ {
		b := job.Batch{
			JobID:              "750TSTNOTIF00003",
			BatchNumber:        i,
			Status:             job.StateComplete,
			DownloadedFilePath: fmt.Sprintf("/data/750TSTNOTIF00003_%d.csv", i),
		}
		n.Notify(job.BatchEvent(b))
	}
	n.Notify(job.ChunkEvent(job.ChunkResult{
		ID:         "7517512",
		FilePath:   "/tmp/chunks/chunk-0.csv",
		StatusCode: 200,
		State:      job.IngestUploadComplete,
	}))

	if err := n.Stop(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 4 {
		t.Fatalf("Expected 4 events to reach the server, got %d", len(received))
	}

	kinds := make(map[string]int)
	for _, ev := range received {
		kinds[ev.Kind]++
		if !ev.Success {
			t.Fatalf("Expected successful event, got %+v", ev)
		}
	}
	if kinds[job.KindBatch] != 3 || kinds[job.KindChunk] != 1 {
		t.Fatalf("Expected 3 batch and 1 chunk events, got %v", kinds)
	}

	delivered, failed := n.Stats()
	if delivered != 4 || failed != 0 {
		t.Fatalf("Expected 4 delivered and 0 failed, got %d and %d", delivered, failed)
	}
}

func TestNotifierDeliveryFailure(t *testing.T) {
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badServer.Close()

	n, err := New("http", badServer.URL, 2)
	if err != nil {
		t.Fatal(err)
	}
	n.Log = log.New(io.Discard, "", 0)

	if err := n.Start(ctx, map[string]interface{}{}); err != nil {
		t.Fatal(err)
	}

	n.Notify(job.BatchEvent(job.Batch{JobID: "750TSTNOTIF00004", BatchNumber: 1, Status: job.StateFailed}))

	if err := n.Stop(); err != nil {
		t.Fatal(err)
	}

	delivered, failed := n.Stats()
	if delivered != 0 || failed != 1 {
		t.Fatalf("Expected 0 delivered and 1 failed, got %d and %d", delivered, failed)
	}
}

func TestNotifierValidation(t *testing.T) {
	if _, err := New("carrier-pigeon", "somewhere", 1); err == nil {
		t.Fatal("Expected an error for an unknown backend")
	}

	if _, err := New("http", "somewhere", 0); err == nil {
		t.Fatal("Expected an error for zero concurrency")
	}
}
