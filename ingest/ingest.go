// Package ingest drives the load path: chunked CSV content is pushed to
// the remote API through one ingest job per chunk.
//
// Chunks are loaded strictly in order, one at a time. The remote side
// serializes ingest processing anyway, so concurrent uploads would only
// pile up open jobs; a failed create aborts the run before new jobs are
// opened, and a failed upload is confined to its own chunk. Every job
// that was created is finalized, so the remote side never accumulates
// jobs stuck in the open state.
package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/mypydevs/Ultraloader/bulk"
	"github.com/mypydevs/Ultraloader/job"
)

// Uploader loads chunk files produced by a Combiner, one ingest job per
// chunk.
type Uploader struct {
	Client *bulk.Client

	// Combiner produces the chunk files for a load request.
	Combiner Combiner

	// WorkingDir is the directory the combiner stages chunk files in.
	// It is recreated from scratch on every run. Empty selects a
	// per-object directory under the system temp dir.
	WorkingDir string

	Log *log.Logger

	// OnChunk, when set, is invoked with every chunk result as it is
	// produced.
	OnChunk func(job.ChunkResult)
}

// New returns an Uploader loading chunks through client.
func New(client *bulk.Client, combiner Combiner, logger *log.Logger) *Uploader {
	return &Uploader{Client: client, Combiner: combiner, Log: logger}
}

// Run validates the request, chunks the input under the working
// directory and loads every chunk through its own ingest job.
//
// Configuration problems (an upsert without an external id field, a
// combiner failure) abort before any remote job is created. A create
// failure aborts the remaining chunks and returns the results produced
// so far; an upload failure only aborts its own chunk's job.
func (u *Uploader) Run(ctx context.Context, object, operation, input, pattern string, chunkSize int64, externalIDField, version string) ([]job.ChunkResult, error) {
	operation = strings.ToLower(operation)
	if operation == bulk.OpUpsert && externalIDField == "" {
		return nil, bulk.ErrMissingExternalID
	}

	workDir, err := u.prepareWorkingDir(object)
	if err != nil {
		return nil, err
	}

	chunks, err := u.Combiner.Combine(input, pattern, workDir, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("Could not chunk %s: %s", input, err)
	}
	u.Log.Printf("Loading %d chunks into %s (%s)", len(chunks), object, operation)

	results := make([]job.ChunkResult, 0, len(chunks))
	for _, chunk := range chunks {
		info, err := u.Client.CreateIngestJob(ctx, object, operation, externalIDField, version)
		if err != nil {
			return results, fmt.Errorf("Could not create ingest job for %s: %s", chunk, err)
		}

		res := u.load(ctx, info.ID, chunk, version)
		if u.OnChunk != nil {
			u.OnChunk(res)
		}
		results = append(results, res)
	}
	return results, nil
}

// prepareWorkingDir wipes and recreates the chunk staging directory, so
// stale chunks from an earlier run can never leak into this one.
func (u *Uploader) prepareWorkingDir(object string) (string, error) {
	workDir := u.WorkingDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), object)
	}
	if err := os.RemoveAll(workDir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(workDir, os.FileMode(0755)); err != nil {
		return "", err
	}
	return workDir, nil
}

// load uploads one chunk under jobID and finalizes the job: to
// UploadComplete when the upload was accepted, to Aborted otherwise.
func (u *Uploader) load(ctx context.Context, jobID, chunk, version string) job.ChunkResult {
	res := job.ChunkResult{
		ID:       jobID,
		URL:      fmt.Sprintf("services/data/v%s/jobs/ingest/%s", version, jobID),
		FilePath: chunk,
	}

	succeeded := false
	f, err := os.Open(chunk)
	if err != nil {
		res.Message = fmt.Sprintf("Could not open chunk: %s", err)
	} else {
		code, body, uerr := u.Client.UploadChunk(ctx, jobID, f, version)
		f.Close()

		switch {
		case uerr != nil:
			res.Message = fmt.Sprintf("Error occurred while uploading %s: %s", chunk, uerr)
		case !bulk.Succeeded(code):
			res.Message = string(body)
		default:
			succeeded = true
			res.Message = fmt.Sprintf("Batch: %s loaded.", chunk)
		}
	}

	res.State = job.IngestAborted
	if succeeded {
		res.State = job.IngestUploadComplete
	}

	code, err := u.Client.FinalizeJob(ctx, jobID, succeeded, version)
	if err != nil {
		u.Log.Printf("Error finalizing job %s: %s", jobID, err)
	}
	res.StatusCode = code

	return res
}
