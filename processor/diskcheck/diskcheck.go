// Package diskcheck watches the filesystem batch files are staged on and
// signals when its usage crosses the configured watermarks. The download
// engine pauses batch dispatching while the disk is sick so a slow
// consumer of the download directory cannot fill the volume.
package diskcheck

import (
	"context"
	"errors"
	"log"
	"syscall"
	"time"
)

const (
	// Healthy means the disk usage is below the watermarks.
	Healthy Health = Health(true)

	// Sick means the disk usage climbed over the high watermark and has
	// not yet dropped back under the low one.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Health represents the disk health state.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// Checker monitors the download directory's filesystem and reports state
// transitions on C. Only transitions are reported: a reader blocked on C
// can assume the state is unchanged until a new value arrives. The disk
// is authoritatively considered healthy at start.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
}

// checker polls filesystem statistics at a fixed interval.
//
// Two watermarks keep the signal from flapping: the disk becomes sick
// above high and only becomes healthy again below low. Which wait
// function is currently executing encodes the state, so no state field
// is needed.
type checker struct {
	// path is a directory on the watched filesystem
	path string

	// usage thresholds (%)
	high, low usage

	interval time.Duration

	c chan Health
}

// usage is a disk usage percentage, e.g. usage(90) for a 90% full disk.
type usage int

// New returns a Checker for the filesystem holding path.
// Thresholds are percentages with 0 <= low < high <= 100.
func New(path string, high int, low int, interval time.Duration) (Checker, error) {
	if low >= high {
		return nil, errors.New("Low watermark must be smaller than high")
	}
	if low < 0 || low > 100 {
		return nil, errors.New("Low watermark must be between 0 and 100")
	}
	if high < 0 || high > 100 {
		return nil, errors.New("High watermark must be between 0 and 100")
	}

	// Fail early if filesystem statistics are not accessible at all.
	if _, err := fetchUsage(path); err != nil {
		return nil, err
	}

	return &checker{
		path:     path,
		high:     usage(high),
		low:      usage(low),
		interval: interval,
		c:        make(chan Health),
	}, nil
}

// C is the channel state transitions are reported on.
func (d *checker) C() chan Health {
	return d.c
}

// Run alternates between waiting for the disk to become sick and waiting
// for it to recover, reporting each transition on C. It returns when ctx
// is canceled.
func (d *checker) Run(ctx context.Context) {
	for {
		if err := d.waitFor(ctx, Sick); err != nil {
			return
		}
		if err := d.waitFor(ctx, Healthy); err != nil {
			return
		}
	}
}

// waitFor polls until the disk transitions into the target state, then
// reports it on C.
func (d *checker) waitFor(ctx context.Context, target Health) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error: %v", err)
				continue
			}
			if target == Sick && du > d.high {
				d.c <- Sick
				return nil
			}
			if target == Healthy && du <= d.low {
				d.c <- Healthy
				return nil
			}
		}
	}
}

// fetchUsage returns the current disk usage of the filesystem holding path.
func fetchUsage(path string) (usage, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, errors.New("Could not get file system statistics: " + err.Error())
	}
	all := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bfree * uint64(fs.Bsize)
	used := all - free
	return usage((float32(used) / float32(all)) * 100), nil
}
