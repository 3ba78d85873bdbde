package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Combiner produces the ordered chunk files for one load request.
//
// input is a single file or a directory; pattern filters directory
// entries; outputDir may be used as staging space; sizeLimit is the
// maximum size of a produced chunk. Chunks are returned in the order
// they must be uploaded.
type Combiner interface {
	Combine(input, pattern, outputDir string, sizeLimit int64) ([]string, error)
}

// GlobCombiner is the bundled Combiner: it collects the files matching
// pattern and refuses any over the size limit. It never splits or merges
// content, so inputs must already be chunk-sized.
type GlobCombiner struct{}

// Combine returns the matching files sorted by name. A sizeLimit of zero
// disables the size check.
func (GlobCombiner) Combine(input, pattern, outputDir string, sizeLimit int64) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}

	var files []string
	if info.IsDir() {
		if pattern == "" {
			pattern = "*.csv"
		}
		files, err = filepath.Glob(filepath.Join(input, pattern))
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
	} else {
		files = []string{input}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("No files match %q under %s", pattern, input)
	}

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			return nil, err
		}
		if sizeLimit > 0 && fi.Size() > sizeLimit {
			return nil, fmt.Errorf("%s is %d bytes, over the %d byte chunk limit", f, fi.Size(), sizeLimit)
		}
	}
	return files, nil
}
