// Package bulk implements the REST client for the remote bulk-data API:
// job lifecycle calls, cursor positioning and payload transfer. Every
// method maps to a single request/response pair; retry policy belongs to
// the callers.
package bulk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mypydevs/Ultraloader/job"
)

// LocatorHeader is the response header carrying the cursor position
// after a cursor-advance call.
const LocatorHeader = "Sforce-Locator"

// Operations an ingest job can be created with.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// ErrMissingExternalID is returned when an upsert is requested without an
// external id field name. It is raised before any request goes out.
var ErrMissingExternalID = errors.New("External id field name is required for upsert operations")

// StatusError is the error returned for unexpected response codes. It
// carries the raw response body so callers can surface the server's own
// message.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Unexpected response code %d: %s", e.Code, e.Body)
}

// Succeeded returns true if code is one of the codes the API answers
// successful job calls with.
func Succeeded(code int) bool {
	return code == http.StatusOK || code == http.StatusCreated
}

// JobInfo is the server's job descriptor, shared by query and ingest
// jobs.
type JobInfo struct {
	ID                     string `json:"id"`
	Object                 string `json:"object"`
	Operation              string `json:"operation"`
	State                  string `json:"state"`
	CreatedDate            string `json:"createdDate,omitempty"`
	ContentURL             string `json:"contentUrl,omitempty"`
	ErrorMessage           string `json:"errorMessage,omitempty"`
	NumberRecordsProcessed int    `json:"numberRecordsProcessed"`
}

// Client talks to one API instance on behalf of one set of credentials.
//
// It drives two http.Clients sharing a single transport: lifecycle
// enforces the short timeout of metadata calls, transfer the long
// timeout of page downloads and chunk uploads. Pass the same client
// twice if the distinction is not needed.
type Client struct {
	baseURL   string
	token     string
	lifecycle *http.Client
	transfer  *http.Client
}

// New returns a Client for the API instance at baseURL, authenticating
// every request with token.
func New(baseURL, token string, lifecycle, transfer *http.Client) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		lifecycle: lifecycle,
		transfer:  transfer,
	}
}

func (c *Client) queryPath(version string) string {
	return fmt.Sprintf("%s/services/data/v%s/jobs/query", c.baseURL, version)
}

func (c *Client) ingestPath(version string) string {
	return fmt.Sprintf("%s/services/data/v%s/jobs/ingest", c.baseURL, version)
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// doJob executes req on the lifecycle client and decodes a job
// descriptor out of the response.
func (c *Client) doJob(req *http.Request) (JobInfo, error) {
	resp, err := c.lifecycle.Do(req)
	if err != nil {
		return JobInfo{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return JobInfo{}, err
	}
	if !Succeeded(resp.StatusCode) {
		return JobInfo{}, &StatusError{Code: resp.StatusCode, Body: data}
	}

	var info JobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return JobInfo{}, fmt.Errorf("Could not decode job descriptor: %s", err)
	}
	return info, nil
}

// CreateQueryJob submits a new query job and returns its descriptor.
func (c *Client) CreateQueryJob(ctx context.Context, query, operation, version string) (JobInfo, error) {
	body, err := json.Marshal(map[string]string{
		"operation": operation,
		"query":     query,
	})
	if err != nil {
		return JobInfo{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.queryPath(version), bytes.NewReader(body))
	if err != nil {
		return JobInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJob(req)
}

// GetJob looks up a job descriptor by id. Query and ingest jobs share an
// id namespace but not a lookup endpoint, so a query lookup answering
// 404 is retried against the ingest endpoint before giving up.
func (c *Client) GetJob(ctx context.Context, id, version string) (JobInfo, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.queryPath(version)+"/"+id, nil)
	if err != nil {
		return JobInfo{}, err
	}
	info, err := c.doJob(req)

	var serr *StatusError
	if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
		req, rerr := c.newRequest(ctx, http.MethodGet, c.ingestPath(version)+"/"+id, nil)
		if rerr != nil {
			return JobInfo{}, rerr
		}
		return c.doJob(req)
	}
	return info, err
}

// AdvanceCursor issues the metadata-only positioning call: it moves a
// server-side cursor maxRecords records past locator and returns the new
// cursor from the Sforce-Locator response header. An empty locator means
// the start of the result set. Planning cannot proceed without the
// cursor, so any unexpected response code is an error.
func (c *Client) AdvanceCursor(ctx context.Context, jobID string, maxRecords int, locator, version string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodHead, c.queryPath(version)+"/"+jobID+"/results", nil)
	if err != nil {
		return "", err
	}
	req.URL.RawQuery = resultParams(maxRecords, locator)

	resp, err := c.lifecycle.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !Succeeded(resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body)
		return "", &StatusError{Code: resp.StatusCode, Body: body}
	}
	return resp.Header.Get(LocatorHeader), nil
}

// FetchPage downloads the CSV payload of the result window starting at
// locator. The body and response code are handed back as-is: deciding
// what is retriable is the download engine's call, not the client's.
func (c *Client) FetchPage(ctx context.Context, jobID, locator string, maxRecords int, version string) ([]byte, int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.queryPath(version)+"/"+jobID+"/results", nil)
	if err != nil {
		return nil, 0, err
	}
	req.URL.RawQuery = resultParams(maxRecords, locator)

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// resultParams encodes the query string of a results call. The locator
// param is omitted entirely when empty; the server treats its absence as
// the start of the result set.
func resultParams(maxRecords int, locator string) string {
	params := url.Values{}
	params.Set("maxRecords", strconv.Itoa(maxRecords))
	if locator != "" {
		params.Set("locator", locator)
	}
	return params.Encode()
}

// CreateIngestJob opens a new ingest job for loading object records.
// Upserts must name the external id field matching is performed on.
func (c *Client) CreateIngestJob(ctx context.Context, object, operation, externalIDField, version string) (JobInfo, error) {
	payload := map[string]string{
		"object":    object,
		"operation": operation,
	}
	if operation == OpUpsert {
		if externalIDField == "" {
			return JobInfo{}, ErrMissingExternalID
		}
		payload["externalIdFieldName"] = externalIDField
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return JobInfo{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.ingestPath(version), bytes.NewReader(body))
	if err != nil {
		return JobInfo{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJob(req)
}

// UploadChunk PUTs content as the CSV payload of an ingest job. The
// response code and body are returned even when the upload was rejected;
// the uploader records them and finalizes the job accordingly.
func (c *Client) UploadChunk(ctx context.Context, jobID string, content io.Reader, version string) (int, []byte, error) {
	req, err := c.newRequest(ctx, http.MethodPut, c.ingestPath(version)+"/"+jobID+"/batches", content)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "text/csv")

	resp, err := c.transfer.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// FinalizeJob transitions an ingest job to UploadComplete when succeeded
// is true and to Aborted otherwise. It is issued for every created job
// regardless of the upload outcome, so no remote job is left open.
func (c *Client) FinalizeJob(ctx context.Context, jobID string, succeeded bool, version string) (int, error) {
	state := job.IngestAborted
	if succeeded {
		state = job.IngestUploadComplete
	}
	body, err := json.Marshal(map[string]string{"state": state})
	if err != nil {
		return 0, err
	}

	req, err := c.newRequest(ctx, http.MethodPatch, c.ingestPath(version)+"/"+jobID, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.lifecycle.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
