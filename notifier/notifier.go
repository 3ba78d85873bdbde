// Package notifier delivers terminal batch and chunk events to the
// configured notification backend.
package notifier

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/mypydevs/Ultraloader/backend"
	httpbackend "github.com/mypydevs/Ultraloader/backend/http_backend"
	kafkabackend "github.com/mypydevs/Ultraloader/backend/kafka_backend"
	sqsbackend "github.com/mypydevs/Ultraloader/backend/sqs_backend"
	"github.com/mypydevs/Ultraloader/job"
)

// Notifier is the component responsible for consuming terminal events
// and announcing them through a backend. Notify may be called from
// multiple goroutines.
type Notifier struct {
	// Destination is backend specific: a URL for the http and sqs
	// backends, a topic for the kafka backend.
	Destination string

	Log *log.Logger

	backend     backend.Backend
	concurrency int
	evChan      chan job.Event

	workerWg  sync.WaitGroup
	reportsWg sync.WaitGroup

	mu        sync.Mutex
	delivered int
	failed    int
}

// New returns a Notifier that announces events to destination through
// the backend identified by backendID.
func New(backendID, destination string, concurrency int) (*Notifier, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("Notifier concurrency must be greater than 0, got %d", concurrency)
	}

	var b backend.Backend
	switch backendID {
	case "http":
		b = new(httpbackend.Backend)
	case "kafka":
		b = new(kafkabackend.Backend)
	case "sqs":
		b = new(sqsbackend.Backend)
	default:
		return nil, fmt.Errorf("Could not create backend with id %s", backendID)
	}

	return &Notifier{
		Destination: destination,
		Log:         log.New(os.Stderr, "[notifier] ", log.Ldate|log.Ltime),
		backend:     b,
		concurrency: concurrency,
		evChan:      make(chan job.Event),
	}, nil
}

// Start starts the backend and the worker goroutines that perform the
// actual notifications. Start must be called once, before any calls to
// Notify.
func (n *Notifier) Start(ctx context.Context, cfg map[string]interface{}) error {
	if err := n.backend.Start(ctx, cfg); err != nil {
		return fmt.Errorf("Could not start %s backend: %s", n.backend.ID(), err)
	}

	n.workerWg.Add(n.concurrency)
	for i := 0; i < n.concurrency; i++ {
		go func() {
			defer n.workerWg.Done()
			for ev := range n.evChan {
				if err := n.backend.Notify(n.Destination, ev); err != nil {
					n.mu.Lock()
					n.failed++
					n.mu.Unlock()
					n.Log.Printf("Could not notify about job %s: %s", ev.JobID, err)
				}
			}
		}()
	}

	n.reportsWg.Add(1)
	go func() {
		defer n.reportsWg.Done()
		n.drainReports()
	}()

	return nil
}

// Notify enqueues ev for delivery. It blocks until a worker picks the
// event up.
func (n *Notifier) Notify(ev job.Event) {
	n.evChan <- ev
}

// Stop drains pending events and shuts the backend down. After calling
// Stop the notifier is no longer usable.
func (n *Notifier) Stop() error {
	close(n.evChan)
	n.workerWg.Wait()

	err := n.backend.Stop()
	n.reportsWg.Wait()
	return err
}

// Stats returns the number of delivered and failed notifications so far.
func (n *Notifier) Stats() (delivered, failed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered, n.failed
}

// drainReports consumes the delivery reports of the backend until it is
// stopped. Asynchronous backends report failures here rather than as
// Notify errors.
func (n *Notifier) drainReports() {
	for report := range n.backend.DeliveryReports() {
		n.mu.Lock()
		if report.Delivered {
			n.delivered++
		} else {
			n.failed++
		}
		n.mu.Unlock()

		if !report.Delivered {
			n.Log.Printf("Could not deliver event for job %s: %s", report.JobID, report.DeliveryError)
		}
	}
}
