package job

import (
	"encoding/json"
)

// Kinds of events emitted by the download and load paths.
const (
	KindBatch = "batch"
	KindChunk = "chunk"
)

// Event holds info about one terminal unit of work, to be posted to the
// configured notification destination.
type Event struct {
	// Kind is KindBatch for download results, KindChunk for load results.
	Kind string `json:"kind"`

	// Success refers to whether the unit of work succeeded or not
	Success bool `json:"success"`

	// Error contains the failure message, if any
	Error string `json:"error"`

	// JobID is the remote job the unit of work ran under
	JobID string `json:"job_id"`

	// BatchNumber is set for batch events only
	BatchNumber int `json:"batch_number,omitempty"`

	// File is the stored batch file or the uploaded chunk file
	File string `json:"file,omitempty"`

	// ResponseCode is the http response of the relevant API call
	ResponseCode int `json:"response_code,omitempty"`

	// Delivered signifies whether the event has been delivered or not
	Delivered bool `json:"delivered"`

	// DeliveryError contains the error occured while delivering the event
	DeliveryError string `json:"delivery_error"`
}

// Bytes returns a byte slice for an event encoded as JSON
func (e *Event) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// BatchEvent builds the notification event for a terminal batch.
func BatchEvent(b Batch) Event {
	ev := Event{
		Kind:        KindBatch,
		Success:     b.Status == StateComplete,
		JobID:       b.JobID,
		BatchNumber: b.BatchNumber,
		File:        b.DownloadedFilePath,
	}
	if !ev.Success {
		ev.Error = b.Message
	}
	return ev
}

// ChunkEvent builds the notification event for a loaded chunk.
func ChunkEvent(r ChunkResult) Event {
	ev := Event{
		Kind:         KindChunk,
		Success:      r.Loaded(),
		JobID:        r.ID,
		File:         r.FilePath,
		ResponseCode: r.StatusCode,
	}
	if !ev.Success {
		ev.Error = r.Message
	}
	return ev
}
