// Package planner materializes the batch list of an extraction run by
// walking the server-side cursor before any payload is transferred.
package planner

import (
	"context"
	"fmt"
	"log"
	"runtime"

	"github.com/mypydevs/Ultraloader/bulk"
	"github.com/mypydevs/Ultraloader/job"
)

// Planner precomputes batch boundaries for a query job.
//
// Planning is strictly sequential: a batch's starting cursor only exists
// once the previous batch's cursor has been advanced past, so there is
// nothing to parallelize. A failed advance aborts the whole plan;
// partial plans are never returned.
type Planner struct {
	Client *bulk.Client
	Log    *log.Logger
}

// New returns a Planner using client for cursor calls.
func New(client *bulk.Client, logger *log.Logger) *Planner {
	return &Planner{Client: client, Log: logger}
}

// BatchSizeFor picks a batch size when none was configured: records
// spread evenly across workers, so one pass of the pool covers the job.
func BatchSizeFor(recordCount, workers int) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return ceilDiv(recordCount, workers)
}

// Plan walks the cursor chain for jobID and returns batches numbered
// 1..N covering recordCount records. The first batch starts at the
// beginning of the result set, so N batches need N-1 cursor advances.
//
// A recordCount of zero yields an empty plan and no API calls: a job
// with no rows is a legitimate early exit, not an error.
func (p *Planner) Plan(ctx context.Context, jobID string, recordCount, batchSize int, version, object, downloadDir string) ([]job.Batch, error) {
	if recordCount == 0 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = BatchSizeFor(recordCount, 0)
	}

	count := ceilDiv(recordCount, batchSize)
	batches := make([]job.Batch, 0, count)

	locator := ""
	for number := 1; number <= count; number++ {
		if number > 1 {
			next, err := p.Client.AdvanceCursor(ctx, jobID, batchSize, locator, version)
			if err != nil {
				return nil, fmt.Errorf("Could not position cursor for batch %d: %s", number, err)
			}
			locator = next
		}

		batches = append(batches, job.Batch{
			JobID:        jobID,
			BatchNumber:  number,
			BatchSize:    batchSize,
			BatchStart:   locator,
			APIVersion:   version,
			Object:       object,
			DownloadPath: downloadDir,
			Status:       job.StateNew,
		})
	}

	p.Log.Printf("Planned %d batches of up to %d records for job %s", count, batchSize, jobID)
	return batches, nil
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
