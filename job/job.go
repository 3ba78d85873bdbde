package job

import (
	"fmt"
)

// State represents the download state of a Batch.
// For valid values see constants below.
type State string

// The available states of a batch's Status.
const (
	// StateNew is the state of a freshly planned batch, before any
	// download attempt produced a terminal outcome.
	StateNew = State("NEW")

	// StateComplete marks a batch whose payload was fetched and stored.
	StateComplete = State("COMPLETE")

	// StateFailed marks a batch that exhausted its attempts or hit a
	// non-retriable error. Terminal states are never reversed.
	StateFailed = State("FAILED")
)

// MarshalBinary is used by redis driver to marshall custom type State
func (s State) MarshalBinary() (data []byte, err error) {
	return []byte(string(s)), nil
}

// Terminal returns true if s is one of the terminal states.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// Batch represents one planned slice of a query job's result set.
//
// Batches are produced by the planner before any payload is transferred
// and are brought to a terminal state by exactly one download worker.
// Workers receive Batch values and send terminal Batch values back, so a
// Batch is never shared between goroutines while in flight.
type Batch struct {
	// JobID is the id of the query job the batch belongs to.
	JobID string `json:"job_id"`

	// BatchNumber orders batches within a job. Numbers are 1-based and
	// dense, following the result-set order.
	BatchNumber int `json:"batch_number"`

	// BatchSize is the maximum number of records the batch covers. The
	// server may return fewer for the last batch.
	BatchSize int `json:"batch_size"`

	// BatchStart is the opaque locator the batch's page starts at. It is
	// empty only for the first batch, which starts at the beginning of
	// the result set.
	BatchStart string `json:"batch_start,omitempty"`

	// APIVersion is the remote API version the batch is fetched with.
	APIVersion string `json:"api_version"`

	// Object is the API object the job queried.
	Object string `json:"object,omitempty"`

	// DownloadPath is the directory batch files are downloaded under.
	DownloadPath string `json:"download_path"`

	// Status is the batch's download state.
	Status State `json:"status"`

	// Message holds the human-readable outcome of the batch: a
	// confirmation for complete batches, the failure cause otherwise.
	Message string `json:"message,omitempty"`

	// FileName is the canonical name of the batch file. Set only when
	// the batch completes.
	FileName string `json:"file_name,omitempty"`

	// DownloadedFilePath is the location the batch file was stored at.
	// Set only when the batch completes.
	DownloadedFilePath string `json:"downloaded_file_path,omitempty"`

	// AttemptCount is the number of download attempts consumed. It is
	// frozen once the batch reaches a terminal state.
	AttemptCount int `json:"attempt_count"`
}

// Path returns the batch file name, relative to the download directory.
// Batch numbers are unique within a job, so names are too.
func (b *Batch) Path() string {
	return fmt.Sprintf("%s_%d.csv", b.JobID, b.BatchNumber)
}

func (b Batch) String() string {
	return fmt.Sprintf("Batch{Job:%s, Number:%d, Size:%d, Start:%q, Status:%s, Attempts:%d}",
		b.JobID, b.BatchNumber, b.BatchSize, b.BatchStart, b.Status, b.AttemptCount)
}
