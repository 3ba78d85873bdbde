// Package registry is an abstraction/utility layer over Redis. It
// persists run state, so long extractions can be inspected while they
// run and resumed after an interruption without refetching completed
// batches.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mypydevs/Ultraloader/job"

	"github.com/go-redis/redis"
)

const (
	// Each extraction run has a corresponding Redis Hash named in the
	// form "<RunKeyPrefix><job-id>" containing run-level information
	// (eg. its batch count).
	RunKeyPrefix = "run:"

	// Each planned batch has a corresponding Redis Hash named in the
	// form "<BatchKeyPrefix><job-id>:<batch-number>".
	BatchKeyPrefix = "batch:"

	// Load runs are stored as JSON blobs under
	// "<IngestKeyPrefix><run-id>".
	IngestKeyPrefix = "ingest:"

	// Prefix for stats related entries
	statsPrefix = "stats"
)

// ErrNotFound is returned by GetRun, GetBatch and GetIngestRun when the
// requested entry is not in Redis.
var ErrNotFound = errors.New("Not Found")

// Registry wraps a redis.Client instance.
type Registry struct {
	Redis *redis.Client
}

// New returns a new Registry that can communicate with Redis. If Redis
// is not up an error will be returned.
func New(r *redis.Client) (*Registry, error) {
	if ping := r.Ping(); ping.Err() != nil || ping.Val() != "PONG" {
		if ping.Err() != nil {
			return nil, fmt.Errorf("Could not ping Redis Server successfully: %v", ping.Err())
		}
		return nil, fmt.Errorf("Could not ping Redis Server successfully: Expected PONG, received %s", ping.Val())
	}

	return &Registry{Redis: r}, nil
}

// SaveRun updates or creates the run document in Redis: the run hash
// plus one hash per batch.
func (s *Registry) SaveRun(cj *job.CompletedJob) error {
	err := s.Redis.HMSet(RunKeyPrefix+cj.ID, map[string]interface{}{
		"ID":         cj.ID,
		"BatchCount": len(cj.Batches),
	}).Err()
	if err != nil {
		return err
	}

	for i := range cj.Batches {
		if err := s.SaveBatch(cj.Batches[i]); err != nil {
			return err
		}
	}
	return nil
}

// GetRun fetches the run document for the given job id from Redis.
// In the case of ErrNotFound, the returned run has a valid ID and can be
// used further.
func (s *Registry) GetRun(id string) (job.CompletedJob, error) {
	val, err := s.Redis.HGetAll(RunKeyPrefix + id).Result()
	if err != nil {
		return job.CompletedJob{}, err
	}

	if v, ok := val["ID"]; !ok || v == "" {
		return job.CompletedJob{ID: id}, ErrNotFound
	}

	count, err := strconv.Atoi(val["BatchCount"])
	if err != nil {
		return job.CompletedJob{}, fmt.Errorf("Could not decode run %s: %v", id, err)
	}

	batches := make([]job.Batch, 0, count)
	for n := 1; n <= count; n++ {
		b, err := s.GetBatch(id, n)
		if err != nil {
			return job.CompletedJob{}, fmt.Errorf("Could not fetch batch %d of run %s: %v", n, id, err)
		}
		batches = append(batches, b)
	}

	return job.NewCompletedJob(id, batches)
}

// DeleteRun removes a run and all its batch hashes from Redis.
func (s *Registry) DeleteRun(id string) error {
	val, err := s.Redis.HGet(RunKeyPrefix+id, "BatchCount").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	count, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("Could not decode run %s: %v", id, err)
	}

	keys := make([]string, 0, count+1)
	for n := 1; n <= count; n++ {
		keys = append(keys, batchKey(id, n))
	}
	keys = append(keys, RunKeyPrefix+id)
	return s.Redis.Del(keys...).Err()
}

// SaveBatch updates or creates b's hash in Redis.
func (s *Registry) SaveBatch(b job.Batch) error {
	m, err := batchToMap(&b)
	if err != nil {
		return err
	}
	return s.Redis.HMSet(batchKey(b.JobID, b.BatchNumber), m).Err()
}

// GetBatch fetches one batch hash from Redis.
func (s *Registry) GetBatch(jobID string, number int) (job.Batch, error) {
	val, err := s.Redis.HGetAll(batchKey(jobID, number)).Result()
	if err != nil {
		return job.Batch{}, err
	}

	if v, ok := val["JobID"]; !ok || v == "" {
		return job.Batch{}, ErrNotFound
	}

	return batchFromMap(val)
}

// SaveIngestRun stores the chunk results of one load run under the
// given run id.
func (s *Registry) SaveIngestRun(id string, results []job.ChunkResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return err
	}
	return s.Redis.Set(IngestKeyPrefix+id, data, 0).Err()
}

// GetIngestRun fetches the chunk results of a load run.
func (s *Registry) GetIngestRun(id string) ([]job.ChunkResult, error) {
	getCmd := s.Redis.Get(IngestKeyPrefix + id)
	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	data, err := getCmd.Bytes()
	if err != nil {
		return nil, err
	}

	var results []job.ChunkResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("Could not decode ingest run %s: %v", id, err)
	}
	return results, nil
}

// GetStats fetches stats prefixed entries from Redis
func (s *Registry) GetStats(id string) ([]byte, error) {
	getCmd := s.Redis.Get(strings.Join([]string{statsPrefix, id}, ":"))

	if err := getCmd.Err(); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	return getCmd.Bytes()
}

// SetStats saves stats in Redis
func (s *Registry) SetStats(id, stats string, expiration time.Duration) error {
	return s.Redis.Set(strings.Join([]string{statsPrefix, id}, ":"), stats, expiration).Err()
}

func batchKey(jobID string, number int) string {
	return fmt.Sprintf("%s%s:%d", BatchKeyPrefix, jobID, number)
}

func batchToMap(b *job.Batch) (map[string]interface{}, error) {
	out := make(map[string]interface{})

	v := reflect.ValueOf(b)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	// we only accept structs
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("batchToMap only accepts structs; got %T", v)
	}

	typ := v.Type()
	for i := 0; i < v.NumField(); i++ {
		// gets us a StructField
		fi := typ.Field(i)
		// set key of map to value in struct field
		out[fi.Name] = v.Field(i).Interface()
	}
	return out, nil
}

func batchFromMap(m map[string]string) (job.Batch, error) {
	var err error
	b := job.Batch{}
	for k, v := range m {
		switch k {
		case "JobID":
			b.JobID = v
		case "BatchNumber":
			b.BatchNumber, err = strconv.Atoi(v)
			if err != nil {
				return b, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "BatchSize":
			b.BatchSize, err = strconv.Atoi(v)
			if err != nil {
				return b, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		case "BatchStart":
			b.BatchStart = v
		case "APIVersion":
			b.APIVersion = v
		case "Object":
			b.Object = v
		case "DownloadPath":
			b.DownloadPath = v
		case "Status":
			b.Status = job.State(v)
		case "Message":
			b.Message = v
		case "FileName":
			b.FileName = v
		case "DownloadedFilePath":
			b.DownloadedFilePath = v
		case "AttemptCount":
			b.AttemptCount, err = strconv.Atoi(v)
			if err != nil {
				return b, fmt.Errorf("Could not decode struct from map: %v", err)
			}
		default:
			return b, fmt.Errorf("Field %s with value %s was not found in Batch struct", k, v)
		}
	}
	return b, nil
}
