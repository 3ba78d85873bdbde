package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mypydevs/Ultraloader/bulk"
	"github.com/mypydevs/Ultraloader/job"
)

var (
	mux    = http.NewServeMux()
	server = httptest.NewServer(mux)
	client *bulk.Client
	logger = log.New(io.Discard, "", 0)
	ctx    = context.Background()
)

func init() {
	hc := &http.Client{Timeout: 5 * time.Second}
	client = bulk.New(server.URL, "t0ken", hc, hc)
}

func addHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	mux.HandleFunc(path, handler)
}

// ingestFixture wires the create/upload/finalize endpoints for one API
// version, so tests sharing the mux cannot step on each other.
type ingestFixture struct {
	sync.Mutex
	version   string
	created   int
	uploads   map[string]string // job id -> uploaded payload
	finalized map[string]string // job id -> state
	uploadRC  int
}

func newIngestFixture(t *testing.T, version string) *ingestFixture {
	f := &ingestFixture{
		version:   version,
		uploads:   make(map[string]string),
		finalized: make(map[string]string),
		uploadRC:  http.StatusCreated,
	}

	addHandler(fmt.Sprintf("/services/data/v%s/jobs/ingest", version), func(w http.ResponseWriter, r *http.Request) {
		f.Lock()
		f.created++
		id := fmt.Sprintf("751%s-%d", version, f.created)
		f.Unlock()

		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"id":%q,"object":"Account","operation":"insert","state":"Open"}`, id)
	})

	addHandler(fmt.Sprintf("/services/data/v%s/jobs/ingest/", version), func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, fmt.Sprintf("/services/data/v%s/jobs/ingest/", version))

		switch {
		case strings.HasSuffix(id, "/batches") && r.Method == http.MethodPut:
			id = strings.TrimSuffix(id, "/batches")
			body, _ := io.ReadAll(r.Body)

			f.Lock()
			f.uploads[id] = string(body)
			rc := f.uploadRC
			f.Unlock()

			w.WriteHeader(rc)
			if rc >= http.StatusBadRequest {
				io.WriteString(w, `[{"errorCode":"InvalidBatch","message":"bad csv"}]`)
			}
		case r.Method == http.MethodPatch:
			var payload map[string]string
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				t.Fatal(err)
			}

			f.Lock()
			f.finalized[id] = payload["state"]
			f.Unlock()
		default:
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	return f
}

func chunkDir(t *testing.T, chunks map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range chunks {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRun(t *testing.T) {
	f := newIngestFixture(t, "61.0")
	dir := chunkDir(t, map[string]string{
		"chunk_1.csv": "Id,Name\n1,Foo\n",
		"chunk_2.csv": "Id,Name\n2,Bar\n",
	})

	u := New(client, GlobCombiner{}, logger)
	u.WorkingDir = t.TempDir()

	results, err := u.Run(ctx, "Account", "insert", dir, "", 0, "", "61.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 chunk results, got %d", len(results))
	}

	for i, res := range results {
		if !res.Loaded() {
			t.Errorf("Expected chunk %d to be loaded, got %s: %s", i+1, res.State, res.Message)
		}
		if !strings.HasSuffix(res.Message, "loaded.") {
			t.Errorf("Unexpected message %q", res.Message)
		}
		if !strings.Contains(res.URL, "/jobs/ingest/"+res.ID) {
			t.Errorf("Unexpected job url %q", res.URL)
		}

		expected := fmt.Sprintf("chunk_%d.csv", i+1)
		if filepath.Base(res.FilePath) != expected {
			t.Errorf("Expected chunks in order, got %q at position %d", res.FilePath, i)
		}
	}

	f.Lock()
	defer f.Unlock()
	if f.created != 2 {
		t.Errorf("Expected one ingest job per chunk, got %d", f.created)
	}
	for id, state := range f.finalized {
		if state != job.IngestUploadComplete {
			t.Errorf("Expected job %s to be finalized UploadComplete, got %s", id, state)
		}
	}
	for id, payload := range f.uploads {
		if !strings.HasPrefix(payload, "Id,Name\n") {
			t.Errorf("Unexpected payload for job %s: %q", id, payload)
		}
	}
}

func TestRunUploadRejected(t *testing.T) {
	f := newIngestFixture(t, "62.0")
	f.uploadRC = http.StatusBadRequest

	dir := chunkDir(t, map[string]string{"chunk_1.csv": "Id,Name\n1,Foo\n"})

	u := New(client, GlobCombiner{}, logger)
	u.WorkingDir = t.TempDir()

	results, err := u.Run(ctx, "Account", "insert", dir, "", 0, "", "62.0")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("Expected 1 chunk result, got %d", len(results))
	}

	res := results[0]
	if res.Loaded() {
		t.Error("Expected the chunk not to be loaded")
	}
	if res.State != job.IngestAborted {
		t.Errorf("Expected state Aborted, got %s", res.State)
	}
	if !strings.Contains(res.Message, "InvalidBatch") {
		t.Errorf("Expected the server body in the message, got %q", res.Message)
	}

	f.Lock()
	defer f.Unlock()
	if state := f.finalized[res.ID]; state != job.IngestAborted {
		t.Errorf("Expected the job to be finalized Aborted, got %q", state)
	}
}

func TestRunCreateFailure(t *testing.T) {
	addHandler("/services/data/v63.0/jobs/ingest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, "out of capacity")
	})

	dir := chunkDir(t, map[string]string{"chunk_1.csv": "Id,Name\n1,Foo\n"})

	u := New(client, GlobCombiner{}, logger)
	u.WorkingDir = t.TempDir()

	results, err := u.Run(ctx, "Account", "insert", dir, "", 0, "", "63.0")
	if err == nil {
		t.Fatal("Expected the run to abort")
	}
	if len(results) != 0 {
		t.Errorf("Expected no chunk results, got %v", results)
	}
	if !strings.Contains(err.Error(), "out of capacity") {
		t.Errorf("Expected the server message in the error, got %v", err)
	}
}

func TestRunUpsertWithoutExternalID(t *testing.T) {
	u := New(client, GlobCombiner{}, logger)
	u.WorkingDir = t.TempDir()

	_, err := u.Run(ctx, "Account", "upsert", t.TempDir(), "", 0, "", "64.0")
	if err != bulk.ErrMissingExternalID {
		t.Fatalf("Expected ErrMissingExternalID, got %v", err)
	}
}

func TestRunCombinerFailure(t *testing.T) {
	u := New(client, GlobCombiner{}, logger)
	u.WorkingDir = t.TempDir()

	// empty input directory: nothing matches
	_, err := u.Run(ctx, "Account", "insert", t.TempDir(), "", 0, "", "65.0")
	if err == nil {
		t.Fatal("Expected the run to abort")
	}
}

func TestGlobCombiner(t *testing.T) {
	dir := chunkDir(t, map[string]string{
		"b.csv":    "Id\n2\n",
		"a.csv":    "Id\n1\n",
		"note.txt": "not a chunk",
	})

	files, err := GlobCombiner{}.Combine(dir, "", t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("Expected 2 chunks, got %v", files)
	}
	if filepath.Base(files[0]) != "a.csv" || filepath.Base(files[1]) != "b.csv" {
		t.Errorf("Expected chunks sorted by name, got %v", files)
	}

	// a single file is its own chunk list
	files, err = GlobCombiner{}.Combine(files[0], "", t.TempDir(), 0)
	if err != nil || len(files) != 1 {
		t.Fatalf("Expected the file itself, got %v (%v)", files, err)
	}
}

func TestGlobCombinerSizeLimit(t *testing.T) {
	dir := chunkDir(t, map[string]string{"big.csv": strings.Repeat("x", 100)})

	_, err := GlobCombiner{}.Combine(dir, "", t.TempDir(), 10)
	if err == nil {
		t.Fatal("Expected an oversize chunk to be rejected")
	}
	if !strings.Contains(err.Error(), "over the 10 byte chunk limit") {
		t.Errorf("Unexpected error %v", err)
	}
}
