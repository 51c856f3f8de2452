// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/flyingrobots/taskctl/internal/queue"
	"github.com/xeipuuv/gojsonschema"
)

// ErrUnknownKind is returned when a job arrives for a kind no Handler
// is registered for.
var ErrUnknownKind = errors.New("worker: no handler registered for job kind")

// HandlerFunc does the actual work for one job, given the session bag
// for its kind and the arguments Dispatch extracted from the payload.
type HandlerFunc func(ctx context.Context, session *Session, args map[string]interface{}) (json.RawMessage, error)

// HandlerSpec is a capability handler's full registration: which job
// kind it serves, where in the payload its arguments live, the schema
// those extracted arguments must satisfy before Fn is called, and
// whether a given error should tear down the kind's session.
type HandlerSpec struct {
	Kind         string
	ArgPaths     map[string]string // arg name -> JSONPath expression against the decoded payload
	Schema       string            // JSON schema the extracted args map must satisfy; empty skips validation
	Fn           HandlerFunc
	SessionFatal func(error) bool // nil means no error is session-fatal
}

// Dispatcher routes a Job to its registered HandlerSpec, extracting
// declared arguments via JSONPath and validating them against the
// spec's JSON schema before the handler runs.
type Dispatcher struct {
	handlers map[string]HandlerSpec
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[string]HandlerSpec{}}
}

// Register adds or replaces the handler for spec.Kind.
func (d *Dispatcher) Register(spec HandlerSpec) {
	d.handlers[spec.Kind] = spec
}

// Kinds lists every registered job kind, for readiness reporting.
func (d *Dispatcher) Kinds() []string {
	out := make([]string, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}

// Dispatch extracts arguments for job from its registered handler's
// ArgPaths, validates them against Schema if set, and invokes Fn. An
// unknown kind, an extraction failure, or a schema validation failure
// are all permanent per spec: no amount of retrying changes a job's
// kind or the shape of its payload, so each is returned wrapped in a
// HandlerPermanent rather than left for processDelivery to retry.
func (d *Dispatcher) Dispatch(ctx context.Context, session *Session, job queue.Job) (json.RawMessage, error) {
	spec, ok := d.handlers[job.Kind]
	if !ok {
		return nil, &HandlerPermanent{Err: fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind)}
	}

	args, err := d.extractArgs(spec, job.Payload)
	if err != nil {
		return nil, &HandlerPermanent{Err: fmt.Errorf("extract args for %s: %w", job.Kind, err)}
	}

	if spec.Schema != "" {
		if err := validateArgs(spec.Schema, args); err != nil {
			return nil, &HandlerPermanent{Err: fmt.Errorf("invalid args for %s: %w", job.Kind, err)}
		}
	}

	payload, err := spec.Fn(ctx, session, args)
	if err == nil {
		return payload, nil
	}
	if isPermanent(err) {
		return payload, err
	}
	var transient *HandlerTransient
	if errors.As(err, &transient) {
		return payload, err
	}
	return payload, &HandlerTransient{Err: err}
}

// IsSessionFatal reports whether err, returned by kind's handler,
// should tear down that kind's session before the next dispatch.
func (d *Dispatcher) IsSessionFatal(kind string, err error) bool {
	spec, ok := d.handlers[kind]
	if !ok || spec.SessionFatal == nil || err == nil {
		return false
	}
	return spec.SessionFatal(err)
}

func (d *Dispatcher) extractArgs(spec HandlerSpec, payload json.RawMessage) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if len(spec.ArgPaths) == 0 {
		var v interface{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, err
			}
		}
		if m, ok := v.(map[string]interface{}); ok {
			return m, nil
		}
		return args, nil
	}

	var doc interface{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	for name, path := range spec.ArgPaths {
		v, err := jsonpath.Get(path, doc)
		if err != nil {
			if strings.Contains(err.Error(), "unknown key") {
				continue
			}
			return nil, fmt.Errorf("jsonpath %s: %w", path, err)
		}
		args[name] = v
	}
	return args, nil
}

func validateArgs(schema string, args map[string]interface{}) error {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	docLoader := gojsonschema.NewGoLoader(args)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(msgs, "; "))
	}
	return nil
}
