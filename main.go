package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mypydevs/Ultraloader/bulk"
	"github.com/mypydevs/Ultraloader/config"
	"github.com/mypydevs/Ultraloader/creds"
	"github.com/mypydevs/Ultraloader/ingest"
	"github.com/mypydevs/Ultraloader/job"
	"github.com/mypydevs/Ultraloader/notifier"
	"github.com/mypydevs/Ultraloader/planner"
	"github.com/mypydevs/Ultraloader/processor"
	"github.com/mypydevs/Ultraloader/processor/filestorage"
	"github.com/mypydevs/Ultraloader/registry"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli"
)

// maxAttemptsEnvVar overrides the configured download attempt ceiling.
// It is read here and nowhere else; components receive the resolved
// value explicitly.
const maxAttemptsEnvVar = "SFDC_MAX_DOWNLOAD_ATTEMPTS"

var (
	sigCh = make(chan os.Signal, 1)
	cfg   config.Config
)

func main() {
	// the .env file is optional
	godotenv.Load()

	app := cli.NewApp()
	app.Name = "ultraloader"
	app.Usage = "Bulk extract/load client for the Salesforce Bulk API 2.0"
	app.HideVersion = true

	app.Commands = cli.Commands{
		cli.Command{
			Name:  "download",
			Usage: "Extract the result set of a query job into batch files",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "`FILE` to load config from",
					Value: "config.json",
				},
				cli.StringFlag{
					Name:  "job-id, j",
					Usage: "`ID` of the query job to extract",
				},
				cli.IntFlag{
					Name:  "batch-size, b",
					Usage: "`RECORDS` per batch (0 derives it from the worker count)",
				},
				cli.StringFlag{
					Name:  "output, o",
					Usage: "`DIR` to store batch files under",
				},
				cli.IntFlag{
					Name:  "workers, w",
					Usage: "`COUNT` of download workers (0 means one per CPU)",
				},
				cli.BoolFlag{
					Name:  "dry-run",
					Usage: "Plan the batches and emit the document without downloading",
				},
				cli.BoolFlag{
					Name:  "resume",
					Usage: "Reuse the stored plan and fetch only its unfinished batches",
				},
			},
			Action: downloadAction,
			Before: parseConfig,
		},
		cli.Command{
			Name:  "ingest",
			Usage: "Load CSV chunks through ingest jobs",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "`FILE` to load config from",
					Value: "config.json",
				},
				cli.StringFlag{
					Name:  "object, O",
					Usage: "`OBJECT` the records belong to",
				},
				cli.StringFlag{
					Name:  "operation",
					Usage: "`OP` to perform: insert, update, upsert or delete",
				},
				cli.StringFlag{
					Name:  "input, i",
					Usage: "`PATH` of the CSV file or chunk directory to load",
				},
				cli.StringFlag{
					Name:  "pattern",
					Usage: "`GLOB` selecting chunk files inside the input directory",
				},
				cli.Int64Flag{
					Name:  "chunk-size",
					Usage: "`BYTES` a single chunk may not exceed (0 disables the check)",
				},
				cli.StringFlag{
					Name:  "external-id-field",
					Usage: "`FIELD` used to match records on upsert",
				},
			},
			Action: ingestAction,
			Before: parseConfig,
		},
		cli.Command{
			Name:  "job",
			Usage: "Look up a remote job descriptor",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "config, c",
					Usage: "`FILE` to load config from",
					Value: "config.json",
				},
				cli.StringFlag{
					Name:  "job-id, j",
					Usage: "`ID` of the job to look up",
				},
			},
			Action: jobAction,
			Before: parseConfig,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func downloadAction(c *cli.Context) error {
	jobID := c.String("job-id")
	if jobID == "" {
		return errors.New("A job id is required")
	}

	ctx, cancel := runContext()
	defer cancel()

	logger := log.New(os.Stderr, "[download] ", log.Ldate|log.Ltime)

	client, err := bulkClient()
	if err != nil {
		return err
	}

	version := cfg.API.Version
	downloadDir := cfg.Processor.DownloadDir
	if c.String("output") != "" {
		downloadDir = c.String("output")
	}
	workers := cfg.Processor.Workers
	if c.Int("workers") > 0 {
		workers = c.Int("workers")
	}
	batchSize := cfg.Processor.BatchSize
	if c.Int("batch-size") > 0 {
		batchSize = c.Int("batch-size")
	}

	attempts, err := maxAttempts()
	if err != nil {
		return err
	}

	rg, err := newRegistry("download")
	if err != nil {
		return err
	}

	info, err := client.GetJob(ctx, jobID, version)
	if err != nil {
		return fmt.Errorf("Could not look up job %s: %s", jobID, err)
	}

	var batches, done []job.Batch
	if c.Bool("resume") {
		if rg == nil {
			return errors.New("Resuming requires a registry address in the configuration")
		}
		stored, err := rg.GetRun(jobID)
		if err != nil {
			return fmt.Errorf("Could not load the stored run of job %s: %s", jobID, err)
		}
		batches = stored.Pending()
		done = stored.Completed()
		logger.Printf("Resuming job %s: %d batches done, %d to fetch", jobID, len(done), len(batches))
	} else {
		pl := planner.New(client, logger)
		if batchSize <= 0 {
			batchSize = planner.BatchSizeFor(info.NumberRecordsProcessed, workers)
		}
		batches, err = pl.Plan(ctx, jobID, info.NumberRecordsProcessed, batchSize, version, info.Object, downloadDir)
		if err != nil {
			return err
		}
	}

	if c.Bool("dry-run") || len(batches) == 0 {
		return emitRun(jobID, append(done, batches...))
	}

	if rg != nil && !c.Bool("resume") {
		cj, err := job.NewCompletedJob(jobID, batches)
		if err != nil {
			return err
		}
		if err := rg.SaveRun(&cj); err != nil {
			logger.Printf("Could not save run %s: %s", jobID, err)
		}
	}

	nt, err := newNotifier(ctx)
	if err != nil {
		return err
	}

	storage, err := filestorage.New(downloadDir, cfg.Processor.StorageBackend)
	if err != nil {
		return err
	}

	proc, err := processor.New(client, storage, downloadDir, workers, logger)
	if err != nil {
		return err
	}
	proc.MaxAttempts = attempts
	proc.PageMime = cfg.Processor.PageMimeType
	if cfg.Processor.StatsInterval > 0 {
		proc.StatsIntvl = time.Duration(cfg.Processor.StatsInterval) * time.Second
	}
	if rg != nil || nt != nil {
		proc.OnBatch = func(b job.Batch) {
			if rg != nil {
				if err := rg.SaveBatch(b); err != nil {
					logger.Printf("Could not save batch %d of job %s: %s", b.BatchNumber, b.JobID, err)
				}
			}
			if nt != nil {
				nt.Notify(job.BatchEvent(b))
			}
		}
	}
	if rg != nil {
		proc.StatsSink = func(counters string) {
			if err := rg.SetStats(jobID, counters, time.Hour); err != nil {
				logger.Printf("Could not save stats of job %s: %s", jobID, err)
			}
		}
	}

	out, perr := proc.Process(ctx, batches)

	if nt != nil {
		if err := nt.Stop(); err != nil {
			logger.Printf("Could not stop the notifier cleanly: %s", err)
		}
	}
	if perr != nil {
		return fmt.Errorf("Download run interrupted: %s", perr)
	}

	return emitRun(jobID, append(done, out...))
}

func ingestAction(c *cli.Context) error {
	object := c.String("object")
	operation := c.String("operation")
	input := c.String("input")
	if object == "" || operation == "" || input == "" {
		return errors.New("An object, an operation and an input path are required")
	}

	ctx, cancel := runContext()
	defer cancel()

	logger := log.New(os.Stderr, "[ingest] ", log.Ldate|log.Ltime)

	client, err := bulkClient()
	if err != nil {
		return err
	}

	rg, err := newRegistry("ingest")
	if err != nil {
		return err
	}
	nt, err := newNotifier(ctx)
	if err != nil {
		return err
	}

	chunkSize := cfg.Ingest.ChunkSize
	if c.Int64("chunk-size") > 0 {
		chunkSize = c.Int64("chunk-size")
	}

	up := ingest.New(client, ingest.GlobCombiner{}, logger)
	up.WorkingDir = cfg.Ingest.WorkingDir
	if nt != nil {
		up.OnChunk = func(r job.ChunkResult) {
			nt.Notify(job.ChunkEvent(r))
		}
	}

	results, rerr := up.Run(ctx, object, operation, input, c.String("pattern"), chunkSize, c.String("external-id-field"), cfg.API.Version)

	if nt != nil {
		if err := nt.Stop(); err != nil {
			logger.Printf("Could not stop the notifier cleanly: %s", err)
		}
	}

	if rg != nil && len(results) > 0 {
		runID := uuid.New().String()
		if err := rg.SaveIngestRun(runID, results); err != nil {
			logger.Printf("Could not save ingest run %s: %s", runID, err)
		} else {
			logger.Printf("Saved ingest run %s", runID)
		}
	}

	if len(results) > 0 {
		doc, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(doc))
	}

	return rerr
}

func jobAction(c *cli.Context) error {
	jobID := c.String("job-id")
	if jobID == "" {
		return errors.New("A job id is required")
	}

	ctx, cancel := runContext()
	defer cancel()

	client, err := bulkClient()
	if err != nil {
		return err
	}

	info, err := client.GetJob(ctx, jobID, cfg.API.Version)
	if err != nil {
		return fmt.Errorf("Could not look up job %s: %s", jobID, err)
	}

	doc, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(doc))
	return nil
}

// parseConfig extracts configuration from the provided config file
func parseConfig(c *cli.Context) error {
	parsed, err := config.Parse(c.String("config"))
	if err != nil {
		return err
	}
	cfg = parsed
	return nil
}

// runContext returns a context canceled by SIGINT/SIGTERM.
func runContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "Received interrupt, shutting down...")
		cancel()
	}()

	return ctx, cancel
}

// bulkClient loads the credentials and builds the API client on top of
// them.
func bulkClient() (*bulk.Client, error) {
	crd, err := creds.Load(cfg.Credentials.File)
	if err != nil {
		return nil, err
	}

	lifecycle, transfer := httpClients(crd)
	return bulk.New(crd.InstanceURL, crd.Token, lifecycle, transfer), nil
}

// httpClients builds the lifecycle and transfer clients off one shared
// transport. Only the end-to-end timeouts differ.
func httpClients(crd creds.Credentials) (lifecycle, transfer *http.Client) {
	// Based on http.DefaultTransport
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   crd.ConnectTimeout(),
			KeepAlive: 30 * time.Second,
			DualStack: true,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	lifecycle = &http.Client{Transport: transport, Timeout: crd.ClientTimeout()}
	transfer = &http.Client{Transport: transport, Timeout: crd.DownloadTimeout()}
	return lifecycle, transfer
}

// newRegistry connects to the configured Redis instance. A blank
// registry address disables run persistence.
func newRegistry(name string) (*registry.Registry, error) {
	if cfg.Registry.Addr == "" {
		return nil, nil
	}
	return registry.New(redisClient(name, cfg.Registry.Addr))
}

// newNotifier starts the configured notification backend. A blank
// backend disables notifications.
func newNotifier(ctx context.Context) (*notifier.Notifier, error) {
	if cfg.Notifier.Backend == "" {
		return nil, nil
	}

	n, err := notifier.New(cfg.Notifier.Backend, cfg.Notifier.Destination, cfg.Notifier.Concurrency)
	if err != nil {
		return nil, err
	}
	if err := n.Start(ctx, cfg.Backends[cfg.Notifier.Backend]); err != nil {
		return nil, err
	}
	return n, nil
}

// maxAttempts resolves the download attempt ceiling, preferring the
// environment override when set.
func maxAttempts() (int, error) {
	if v, ok := os.LookupEnv(maxAttemptsEnvVar); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s must be a positive integer, got %q", maxAttemptsEnvVar, v)
		}
		return n, nil
	}
	return cfg.Processor.MaxAttempts, nil
}

// emitRun prints the aggregate run document on stdout. A run containing
// failed batches makes the command exit non-zero.
func emitRun(jobID string, batches []job.Batch) error {
	cj, err := job.NewCompletedJob(jobID, batches)
	if err != nil {
		return err
	}

	doc, err := cj.Document()
	if err != nil {
		return err
	}
	fmt.Println(string(doc))

	if cj.Failed() {
		return fmt.Errorf("Job %s finished with failed batches", jobID)
	}
	return nil
}

func redisClient(name, addr string) *redis.Client {
	setName := func(c *redis.Conn) error {
		ok, err := c.ClientSetName(name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("Error setting Redis client name to " + name)
		}
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, OnConnect: setName})
}
