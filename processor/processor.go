// Processor is the download engine of the extract path. It takes the
// batch list produced by the planner and fans it out to a fixed pool of
// workers, each of which brings one batch at a time to a terminal state.
//
//   ----------------------------------------------
//   |                 Processor                  |
//   |                                            |
//   |  batches --> dispatch --> W W W --> results|
//   |                 ^                          |
//   |                 |                          |
//   |             diskcheck                      |
//   ----------------------------------------------
//
// Batches travel by value: the dispatcher sends immutable planned
// batches down the job channel and workers send terminal copies back, so
// no batch is shared between goroutines while in flight. A batch failure
// never affects its siblings.
//
// Dispatching is gated on the health of the filesystem holding the
// download directory and stops when the run context is canceled.
// Cancellation is propagated through the context all along the stack:
// in-flight requests are aborted and undispatched batches are simply
// never handed out.
package processor

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mypydevs/Ultraloader/bulk"
	"github.com/mypydevs/Ultraloader/job"
	"github.com/mypydevs/Ultraloader/processor/diskcheck"
	derrors "github.com/mypydevs/Ultraloader/processor/errors"
	"github.com/mypydevs/Ultraloader/processor/filestorage"
	"github.com/mypydevs/Ultraloader/processor/mimetype"
	"github.com/mypydevs/Ultraloader/stats"
)

var newChecker = diskcheck.New

// Retry tuning. The delay after a failed attempt doubles per attempt,
// from DefaultBackoffBase up to DefaultBackoffCeil.
const (
	DefaultMaxAttempts = 20
	DefaultBackoffBase = 4 * time.Second
	DefaultBackoffCeil = 60 * time.Second
)

const (
	//Metric Identifiers
	statsWorkers            = "workers"            //Gauge
	statsSpawnedWorkers     = "spawnedWorkers"     //Counter
	statsBatchesComplete    = "batchesComplete"    //Counter
	statsBatchesFailed      = "batchesFailed"      //Counter
	statsRetries            = "retries"            //Counter
	statsMimeMismatch       = "mimeMismatch"       //Counter
	statsResponseCodePrefix = "download.response." //Counter

	// diskChecker settings
	diskHigh     = 95
	diskLow      = 90
	diskInterval = 1 * time.Minute
)

type Processor struct {
	// Client performs the page fetches.
	Client *bulk.Client

	// Storage receives every completed batch file.
	Storage filestorage.FileStorage

	// DownloadDir is the filesystem location batch files are staged in
	// before storage, and the directory whose disk health gates
	// dispatching.
	DownloadDir string

	// Workers is the size of the worker pool.
	Workers int

	// MaxAttempts caps the fetch attempts per batch. Zero selects
	// DefaultMaxAttempts.
	MaxAttempts int

	// BackoffBase/BackoffCeil tune the retry delay curve. Zero selects
	// the package defaults.
	BackoffBase time.Duration
	BackoffCeil time.Duration

	// PageMime, when non-empty, is the mime-type pattern every fetched
	// payload must match before it is stored.
	PageMime string

	Log *log.Logger

	// Interval between each stats flush
	StatsIntvl time.Duration

	// StatsSink, when set, receives the rendered counters on every
	// stats flush.
	StatsSink func(counters string)

	// OnBatch, when set, is invoked with every terminal batch as it
	// arrives. Calls are sequential, in completion order.
	OnBatch func(job.Batch)

	stats *stats.Stats
}

// New initializes and returns a Processor, or an error if downloadDir is
// not writable. A workers count of zero sizes the pool to the machine's
// CPUs.
func New(client *bulk.Client, storage filestorage.FileStorage, downloadDir string, workers int, logger *log.Logger) (Processor, error) {
	// verify we can write to downloadDir
	if err := os.MkdirAll(downloadDir, os.FileMode(0755)); err != nil {
		return Processor{}, fmt.Errorf("Error creating download directory: %s", err)
	}
	tmpf, err := os.CreateTemp(downloadDir, "write-check-")
	if err != nil {
		return Processor{}, fmt.Errorf("Error verifying download directory is writable: %s", err)
	}
	_, err = tmpf.Write([]byte("a"))
	if err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return Processor{}, fmt.Errorf("Error verifying download directory is writable: %s", err)
	}
	err = tmpf.Close()
	if err != nil {
		return Processor{}, fmt.Errorf("Error verifying download directory is writable: %s", err)
	}
	err = os.Remove(tmpf.Name())
	if err != nil {
		return Processor{}, fmt.Errorf("Error verifying download directory is writable: %s", err)
	}

	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return Processor{
		Client:      client,
		Storage:     storage,
		DownloadDir: downloadDir,
		Workers:     workers,
		StatsIntvl:  5 * time.Second,
		Log:         logger,
	}, nil
}

// Process downloads every batch in batches and returns the same batches
// in terminal state, in completion order. Callers needing plan order
// re-sort by batch number.
//
// Process returns early only when ctx is canceled: in that case the
// returned slice holds the batches that reached a terminal state before
// the cancellation, along with the context's error.
func (p *Processor) Process(ctx context.Context, batches []job.Batch) ([]job.Batch, error) {
	if len(batches) == 0 {
		return nil, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(batches) {
		workers = len(batches)
	}
	p.Log.Printf("Processing %d batches with %d workers...", len(batches), workers)

	p.stats = stats.New(p.StatsIntvl, p.flushStats)

	var helperWg sync.WaitGroup
	helperWg.Add(1)
	go func() {
		defer helperWg.Done()
		p.stats.Run(runCtx)
	}()

	var health chan diskcheck.Health
	checker, err := newChecker(p.DownloadDir, diskHigh, diskLow, diskInterval)
	if err != nil {
		// run without the disk gate
		p.Log.Println("Error initializing disk checker:", err)
	} else {
		health = checker.C()
		helperWg.Add(1)
		go func() {
			defer helperWg.Done()
			checker.Run(runCtx)
		}()
	}

	jobChan := make(chan job.Batch)
	results := make(chan job.Batch)

	var workerWg sync.WaitGroup
	workerWg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer workerWg.Done()
			p.work(runCtx, jobChan, results)
		}()
	}

	go p.dispatch(runCtx, batches, jobChan, health)

	go func() {
		workerWg.Wait()
		close(results)
	}()

	out := make([]job.Batch, 0, len(batches))
	for b := range results {
		if b.Status == job.StateComplete {
			p.stats.Add(statsBatchesComplete, 1)
		} else {
			p.stats.Add(statsBatchesFailed, 1)
		}
		if p.OnBatch != nil {
			p.OnBatch(b)
		}
		out = append(out, b)
	}

	cancel()
	helperWg.Wait()

	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// dispatch feeds batches to the workers in plan order. It pauses while
// the disk is sick and returns when ctx is canceled; batches not handed
// out by then remain untouched.
func (p *Processor) dispatch(ctx context.Context, batches []job.Batch, jobChan chan<- job.Batch, health <-chan diskcheck.Health) {
	defer close(jobChan)

	for i := 0; i < len(batches); {
		// cancellation wins over a ready send
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case h := <-health:
			if h == diskcheck.Sick {
				p.Log.Println("Sick disk, pausing batch dispatching...")
				if !p.waitHealthy(ctx, health) {
					return
				}
				p.Log.Println("Healthy disk, resuming batch dispatching...")
			}
		case jobChan <- batches[i]:
			i++
		}
	}
}

// waitHealthy blocks until the disk recovers or ctx is canceled.
func (p *Processor) waitHealthy(ctx context.Context, health <-chan diskcheck.Health) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case h := <-health:
			if h == diskcheck.Healthy {
				return true
			}
		}
	}
}

// work consumes batches from jobChan and reports each terminal batch on
// results. Every worker owns its own payload validator since the
// libmagic decoder is not safe for concurrent use.
func (p *Processor) work(ctx context.Context, jobChan <-chan job.Batch, results chan<- job.Batch) {
	p.stats.Add(statsWorkers, 1)
	p.stats.Add(statsSpawnedWorkers, 1)
	defer p.stats.Add(statsWorkers, -1)

	var validator *mimetype.Validator
	if p.PageMime != "" {
		var err error
		validator, err = mimetype.New()
		if err != nil {
			p.Log.Println("Error: Could not create payload validator, proceeding without:", err)
		} else {
			defer validator.Close()
		}
	}

	for b := range jobChan {
		results <- p.download(ctx, b, validator)
	}
}

// download brings b to a terminal state. Fetch attempts are retried with
// exponential backoff while the error is timeout-class and attempts
// remain; everything else is terminal on the spot. The returned value is
// the only copy of b ever mutated.
func (p *Processor) download(ctx context.Context, b job.Batch, validator *mimetype.Validator) job.Batch {
	for {
		b.AttemptCount++

		data, code, err := p.Client.FetchPage(ctx, b.JobID, b.BatchStart, b.BatchSize, b.APIVersion)
		if err != nil {
			derr := derrors.FromTransport("fetching page", err)
			if !derr.IsRetriable() {
				return p.fail(b, fmt.Sprintf("Error occurred while downloading job data: %s", derr.Err()))
			}
			if b.AttemptCount >= p.maxAttempts() {
				return p.fail(b, fmt.Sprintf("Error occurred while downloading job data after %d attempts: %s", b.AttemptCount, derr.Err()))
			}

			p.stats.Add(statsRetries, 1)
			p.Log.Printf("Retrying batch %d of job %s (attempt %d): %s", b.BatchNumber, b.JobID, b.AttemptCount, derr.Err())
			if !p.backoff(ctx, b.AttemptCount) {
				return p.fail(b, fmt.Sprintf("Error occurred while downloading job data: %s", ctx.Err()))
			}
			continue
		}

		p.stats.Add(fmt.Sprintf("%s%d", statsResponseCodePrefix, code), 1)
		if !bulk.Succeeded(code) {
			return p.fail(b, fmt.Sprintf("Error occurred while downloading job data: %s", data))
		}

		if validator != nil {
			validator.Reset(p.PageMime)
			if err := validator.Validate(data); err != nil {
				p.stats.Add(statsMimeMismatch, 1)
				return p.fail(b, fmt.Sprintf("Error occurred while validating job data: %s", err))
			}
		}

		if err := p.store(&b, data); err != nil {
			return p.fail(b, fmt.Sprintf("Error occurred while storing job data: %s", err))
		}

		b.Status = job.StateComplete
		b.Message = fmt.Sprintf("%s download complete", b.DownloadedFilePath)
		return b
	}
}

// fail finalizes b as failed. The attempt count stays as consumed and no
// file fields are ever set on a failed batch.
func (p *Processor) fail(b job.Batch, message string) job.Batch {
	b.Status = job.StateFailed
	b.Message = message
	p.Log.Printf("Batch %d of job %s failed: %s", b.BatchNumber, b.JobID, message)
	return b
}

// store stages data in the download directory and hands the file to the
// storage backend under the batch's canonical name.
func (p *Processor) store(b *job.Batch, data []byte) error {
	tmpf, err := os.CreateTemp(p.DownloadDir, "batch-")
	if err != nil {
		return err
	}
	if _, err = tmpf.Write(data); err != nil {
		tmpf.Close()
		os.Remove(tmpf.Name())
		return err
	}
	if err = tmpf.Close(); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	name := b.Path()
	if err = p.Storage.StoreFile(tmpf.Name(), name); err != nil {
		os.Remove(tmpf.Name())
		return err
	}

	b.FileName = name
	b.DownloadedFilePath = p.Storage.FilePath(name)
	return nil
}

// backoff sleeps the delay owed after the attempt that just failed:
// base doubled per attempt, capped at the ceiling. It returns false if
// ctx was canceled while waiting.
func (p *Processor) backoff(ctx context.Context, attempt int) bool {
	base, ceil := p.BackoffBase, p.BackoffCeil
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceil <= 0 {
		ceil = DefaultBackoffCeil
	}

	delay := base
	for i := 1; i < attempt && delay < ceil; i++ {
		delay *= 2
	}
	if delay > ceil {
		delay = ceil
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (p *Processor) flushStats(m *expvar.Map) {
	if p.StatsSink == nil {
		return
	}
	p.StatsSink(m.String())
}
