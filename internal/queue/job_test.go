// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobMarshalUnmarshalRoundTrip(t *testing.T) {
	j := Job{
		ID:          "j-1",
		Kind:        "resize",
		Payload:     json.RawMessage(`{"w":100}`),
		SubmittedAt: time.Now().UTC().Truncate(time.Millisecond),
		RetryCount:  2,
		ReplyStream: "reply:j-1",
	}
	values, err := j.Marshal()
	require.NoError(t, err)

	// Simulate the stringly-typed round trip through a real stream entry.
	asStrings := map[string]interface{}{}
	for k, v := range values {
		asStrings[k] = v
	}

	back, err := UnmarshalJob(asStrings)
	require.NoError(t, err)
	require.Equal(t, j.ID, back.ID)
	require.Equal(t, j.Kind, back.Kind)
	require.Equal(t, j.RetryCount, back.RetryCount)
	require.Equal(t, j.ReplyStream, back.ReplyStream)
	require.Equal(t, j.SubmittedAt.Unix(), back.SubmittedAt.Unix())
}

func TestResultMarshalUnmarshalRoundTrip(t *testing.T) {
	r := Result{
		JobID:      "j-1",
		Status:     StatusTransientError,
		Error:      "boom",
		Attempt:    3,
		WorkerID:   "w-1",
		FinishedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	back, err := UnmarshalResult(r.Marshal())
	require.NoError(t, err)
	require.Equal(t, r.JobID, back.JobID)
	require.Equal(t, r.Status, back.Status)
	require.Equal(t, r.Error, back.Error)
	require.Equal(t, r.Attempt, back.Attempt)
}
