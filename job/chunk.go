package job

// Remote states an ingest job is finalized to. UploadComplete hands the
// uploaded content over for processing, Aborted discards the job.
const (
	IngestUploadComplete = "UploadComplete"
	IngestAborted        = "Aborted"
)

// ChunkResult records the outcome of loading one chunk file through its
// own ingest job. Results are immutable once built.
type ChunkResult struct {
	// ID is the ingest job the chunk was uploaded under.
	ID string `json:"id"`

	// URL is the API path of the ingest job.
	URL string `json:"url"`

	// FilePath is the chunk file that was uploaded.
	FilePath string `json:"file_path"`

	// Message holds the upload outcome: a confirmation for loaded
	// chunks, the server's error body otherwise.
	Message string `json:"message"`

	// StatusCode is the response code of the finalize call.
	StatusCode int `json:"status_code"`

	// State is the state the job was finalized to.
	State string `json:"state"`
}

// Loaded returns true if the chunk was uploaded and handed over for
// processing.
func (r *ChunkResult) Loaded() bool {
	return r.State == IngestUploadComplete
}
