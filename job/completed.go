package job

import (
	"encoding/json"
	"errors"
	"sort"
)

// CompletedJob is the aggregate document of an extraction run: the query
// job id together with every planned batch, ordered by batch number.
type CompletedJob struct {
	ID string `json:"id"`

	Batches []Batch `json:"batches"`
}

// NewCompletedJob assembles the document for the given job id. Workers
// finish in arbitrary order, so batches are re-sorted into plan order.
func NewCompletedJob(id string, batches []Batch) (CompletedJob, error) {
	if id == "" {
		return CompletedJob{}, errors.New("Job ID cannot be empty")
	}

	sorted := make([]Batch, len(batches))
	copy(sorted, batches)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BatchNumber < sorted[j].BatchNumber
	})
	return CompletedJob{ID: id, Batches: sorted}, nil
}

// Document returns the indented JSON rendering of cj.
func (cj *CompletedJob) Document() ([]byte, error) {
	return json.MarshalIndent(cj, "", "  ")
}

// Failed returns true if any batch ended up failed.
func (cj *CompletedJob) Failed() bool {
	for i := range cj.Batches {
		if cj.Batches[i].Status == StateFailed {
			return true
		}
	}
	return false
}

// Pending returns fresh copies of the batches that never completed,
// reset for another download pass. Completed batches are left out;
// terminal failures are planned again from their original coordinates.
func (cj *CompletedJob) Pending() []Batch {
	var pending []Batch
	for _, b := range cj.Batches {
		if b.Status == StateComplete {
			continue
		}
		b.Status = StateNew
		b.Message = ""
		b.FileName = ""
		b.DownloadedFilePath = ""
		b.AttemptCount = 0
		pending = append(pending, b)
	}
	return pending
}

// Completed returns the batches that already reached StateComplete.
func (cj *CompletedJob) Completed() []Batch {
	var done []Batch
	for _, b := range cj.Batches {
		if b.Status == StateComplete {
			done = append(done, b)
		}
	}
	return done
}
