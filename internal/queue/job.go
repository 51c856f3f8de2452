// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrJobDecode is wrapped by UnmarshalJob when a stream entry's fields
// don't describe a valid Job (missing id/kind). A broker treats this
// as a permanent, unprocessable delivery: it acknowledges the entry
// rather than leaving it pending forever, since no amount of retrying
// will make a malformed entry decode successfully.
var ErrJobDecode = errors.New("queue: malformed job entry")

// Job is one unit of work published to a class's jobs stream.
type Job struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	RetryCount    int             `json:"retry_count"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyStream   string          `json:"reply_stream,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	SpanID        string          `json:"span_id,omitempty"`
}

// Status is the terminal state of a job's delivery.
type Status string

const (
	StatusOK             Status = "ok"
	StatusTransientError Status = "transient_error"
	StatusPermanentError Status = "permanent_error"
)

// Result is the terminal outcome of processing one Job, optionally
// published back to the job's ReplyStream.
type Result struct {
	JobID      string          `json:"job_id"`
	Status     Status          `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempt    int             `json:"attempt"`
	WorkerID   string          `json:"worker_id"`
	FinishedAt time.Time       `json:"finished_at"`
}

func (j Job) Marshal() (map[string]interface{}, error) {
	return map[string]interface{}{
		"id":             j.ID,
		"kind":           j.Kind,
		"payload":        string(j.Payload),
		"submitted_at":   j.SubmittedAt.UTC().Format(time.RFC3339Nano),
		"retry_count":    j.RetryCount,
		"correlation_id": j.CorrelationID,
		"reply_stream":   j.ReplyStream,
		"trace_id":       j.TraceID,
		"span_id":        j.SpanID,
	}, nil
}

// UnmarshalJob rebuilds a Job from the string-keyed field map a stream
// entry decodes to, failing with ErrJobDecode when the entry is
// missing the fields a Job cannot function without.
func UnmarshalJob(values map[string]interface{}) (Job, error) {
	var j Job
	j.ID, _ = values["id"].(string)
	j.Kind, _ = values["kind"].(string)
	if j.ID == "" || j.Kind == "" {
		return Job{}, fmt.Errorf("%w: missing id or kind", ErrJobDecode)
	}
	if p, ok := values["payload"].(string); ok {
		j.Payload = json.RawMessage(p)
	}
	if ts, ok := values["submitted_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			j.SubmittedAt = t
		}
	}
	switch rc := values["retry_count"].(type) {
	case string:
		var n int
		if _, err := fmt.Sscan(rc, &n); err == nil {
			j.RetryCount = n
		}
	case int64:
		j.RetryCount = int(rc)
	}
	j.CorrelationID, _ = values["correlation_id"].(string)
	j.ReplyStream, _ = values["reply_stream"].(string)
	j.TraceID, _ = values["trace_id"].(string)
	j.SpanID, _ = values["span_id"].(string)
	return j, nil
}

func (r Result) Marshal() map[string]interface{} {
	return map[string]interface{}{
		"job_id":      r.JobID,
		"status":      string(r.Status),
		"payload":     string(r.Payload),
		"error":       r.Error,
		"attempt":     r.Attempt,
		"worker_id":   r.WorkerID,
		"finished_at": r.FinishedAt.UTC().Format(time.RFC3339Nano),
	}
}

func UnmarshalResult(values map[string]interface{}) (Result, error) {
	var r Result
	r.JobID, _ = values["job_id"].(string)
	status, _ := values["status"].(string)
	r.Status = Status(status)
	if p, ok := values["payload"].(string); ok {
		r.Payload = json.RawMessage(p)
	}
	r.Error, _ = values["error"].(string)
	switch a := values["attempt"].(type) {
	case string:
		var n int
		if _, err := fmt.Sscan(a, &n); err == nil {
			r.Attempt = n
		}
	case int64:
		r.Attempt = int(a)
	}
	r.WorkerID, _ = values["worker_id"].(string)
	if ts, ok := values["finished_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			r.FinishedAt = t
		}
	}
	return r, nil
}
