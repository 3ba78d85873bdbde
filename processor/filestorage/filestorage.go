package filestorage

import (
	"fmt"
)

// FileStorage is an interface for implementing file storage backends
// to save downloaded batch files
type FileStorage interface {
	// StoreFile moves the file at srcpath into the backend under
	// destpath, removing the source on success.
	StoreFile(srcpath string, destpath string) error

	// DeleteFile removes destpath from the backend.
	DeleteFile(destpath string) error

	// FileExists returns true if destpath exists in the backend.
	FileExists(destpath string) bool

	// FilePath returns the canonical location destpath is reachable at,
	// suitable for reporting to consumers.
	FilePath(destpath string) string
}

// New constructs the backend selected by cfg. An empty or "filesystem"
// backend stores files under downloadDir; "s3" uploads them to the
// configured bucket, using downloadDir only as staging space.
func New(downloadDir string, cfg map[string]string) (FileStorage, error) {
	switch cfg["backend"] {
	case "", "filesystem":
		return NewFileSystem(downloadDir)
	case "s3":
		if cfg["region"] == "" || cfg["bucket"] == "" {
			return nil, fmt.Errorf("S3 storage requires both region and bucket, got %v", cfg)
		}
		return NewAWSS3(cfg["region"], cfg["bucket"])
	default:
		return nil, fmt.Errorf("Unknown file storage backend %q", cfg["backend"])
	}
}
