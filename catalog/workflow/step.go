package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/weftworks/weft/catalog/asset"
	"github.com/weftworks/weft/catalog/job"
)

type (
	// Step is the tagged step variant of a workflow definition. Exactly one
	// of Job, Service or Fanout is set, matching Type. The wire form is flat:
	// variant fields sit next to id/type/dependsOn in the same JSON object.
	Step struct {
		// ID is unique within the definition.
		ID string
		// Type discriminates the variant.
		Type StepType
		// DependsOn lists step ids that must succeed before this step runs.
		DependsOn []string
		// Dependents is the inverse edge list, populated by DAG validation.
		Dependents []string

		Job     *JobStepSpec
		Service *ServiceStepSpec
		Fanout  *FanoutStepSpec
	}

	// StepType enumerates step variants.
	StepType string

	// JobStepSpec dispatches a job run.
	JobStepSpec struct {
		// JobSlug names the job definition to run.
		JobSlug string `json:"jobSlug"`
		// Parameters is template-expanded against the run context before
		// dispatch.
		Parameters any `json:"parameters,omitempty"`
		// TimeoutMs overrides the job definition timeout when positive.
		TimeoutMs int64 `json:"timeoutMs,omitempty"`
		// RetryPolicy overrides the job definition policy when set.
		RetryPolicy *job.RetryPolicy `json:"retryPolicy,omitempty"`
		// StoreResultAs writes the job result into context.shared[key].
		StoreResultAs string `json:"storeResultAs,omitempty"`
		// Produces declares assets materialized by a successful run of this
		// step.
		Produces []asset.Declaration `json:"produces,omitempty"`
		// Consumes declares upstream assets injected into the template
		// context before dispatch.
		Consumes []asset.Declaration `json:"consumes,omitempty"`
		// Bundle optionally pins or floats the bundle backing the job.
		Bundle *StepBundle `json:"bundle,omitempty"`
	}

	// StepBundle overrides the bundle binding of the dispatched job.
	StepBundle struct {
		Slug string `json:"slug"`
		// Strategy is "pinned" (use Version) or "latest" (re-resolve at
		// dispatch time, per run).
		Strategy   BundleStrategy `json:"strategy"`
		Version    string         `json:"version,omitempty"`
		ExportName string         `json:"exportName,omitempty"`
	}

	// BundleStrategy enumerates bundle resolution strategies.
	BundleStrategy string

	// ServiceStepSpec issues an HTTP request to a registered service.
	ServiceStepSpec struct {
		ServiceSlug string         `json:"serviceSlug"`
		Request     ServiceRequest `json:"request"`
		// RequireHealthy fails the step without a request unless the service
		// reports healthy.
		RequireHealthy bool `json:"requireHealthy,omitempty"`
		// AllowDegraded permits requests while the service is degraded.
		AllowDegraded bool `json:"allowDegraded,omitempty"`
		// CaptureResponse parses the JSON response body into the step output.
		CaptureResponse bool `json:"captureResponse,omitempty"`
		// StoreResponseAs writes {ok, statusCode, body, headers} into
		// context.shared[key].
		StoreResponseAs string           `json:"storeResponseAs,omitempty"`
		RetryPolicy     *job.RetryPolicy `json:"retryPolicy,omitempty"`
	}

	// ServiceRequest shapes the outbound HTTP request. Path, query values and
	// the body are template-expanded at dispatch.
	ServiceRequest struct {
		Path    string                 `json:"path"`
		Method  string                 `json:"method"`
		Headers map[string]HeaderValue `json:"headers,omitempty"`
		Query   map[string]string      `json:"query,omitempty"`
		Body    any                    `json:"body,omitempty"`
	}

	// HeaderValue is either a literal string or a secret reference with an
	// optional prefix ("Bearer " + secret).
	HeaderValue struct {
		Literal string
		Secret  *SecretRef
		Prefix  string
	}

	// SecretRef addresses a secret in the environment or the secret store.
	SecretRef struct {
		// Source is "env" or "store".
		Source  string `json:"source"`
		Key     string `json:"key"`
		Version string `json:"version,omitempty"`
	}

	// FanoutStepSpec expands a runtime collection into child steps built from
	// a template.
	FanoutStepSpec struct {
		// Collection is a literal array or a template string resolving to one.
		Collection any `json:"collection"`
		// Template is a job or service step cloned per element. Templates
		// cannot declare their own dependents.
		Template *Step `json:"template"`
		// MaxItems bounds the collection length; longer inputs fail the step
		// without spawning children.
		MaxItems int `json:"maxItems"`
		// MaxConcurrency bounds in-flight children.
		MaxConcurrency int `json:"maxConcurrency"`
		// StoreResultsAs collects child outputs, in input order, into
		// context.shared[key].
		StoreResultsAs string `json:"storeResultsAs"`
	}
)

const (
	StepTypeJob     StepType = "job"
	StepTypeService StepType = "service"
	StepTypeFanout  StepType = "fanout"
)

const (
	BundlePinned BundleStrategy = "pinned"
	BundleLatest BundleStrategy = "latest"
)

// flatStep is the wire representation shared by all variants.
type flatStep struct {
	ID         string   `json:"id"`
	Type       StepType `json:"type"`
	DependsOn  []string `json:"dependsOn,omitempty"`
	Dependents []string `json:"dependents,omitempty"`

	// job fields
	JobSlug       string              `json:"jobSlug,omitempty"`
	Parameters    any                 `json:"parameters,omitempty"`
	TimeoutMs     int64               `json:"timeoutMs,omitempty"`
	RetryPolicy   *job.RetryPolicy    `json:"retryPolicy,omitempty"`
	StoreResultAs string              `json:"storeResultAs,omitempty"`
	Produces      []asset.Declaration `json:"produces,omitempty"`
	Consumes      []asset.Declaration `json:"consumes,omitempty"`
	Bundle        *StepBundle         `json:"bundle,omitempty"`

	// service fields
	ServiceSlug     string          `json:"serviceSlug,omitempty"`
	Request         *ServiceRequest `json:"request,omitempty"`
	RequireHealthy  bool            `json:"requireHealthy,omitempty"`
	AllowDegraded   bool            `json:"allowDegraded,omitempty"`
	CaptureResponse bool            `json:"captureResponse,omitempty"`
	StoreResponseAs string          `json:"storeResponseAs,omitempty"`

	// fanout fields
	Collection     any    `json:"collection,omitempty"`
	Template       *Step  `json:"template,omitempty"`
	MaxItems       int    `json:"maxItems,omitempty"`
	MaxConcurrency int    `json:"maxConcurrency,omitempty"`
	StoreResultsAs string `json:"storeResultsAs,omitempty"`
}

// UnmarshalJSON decodes the flat wire form and dispatches on the type tag.
func (s *Step) UnmarshalJSON(data []byte) error {
	var f flatStep
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	s.ID = f.ID
	s.Type = f.Type
	s.DependsOn = f.DependsOn
	s.Dependents = f.Dependents
	s.Job, s.Service, s.Fanout = nil, nil, nil
	switch f.Type {
	case StepTypeJob:
		s.Job = &JobStepSpec{
			JobSlug:       f.JobSlug,
			Parameters:    f.Parameters,
			TimeoutMs:     f.TimeoutMs,
			RetryPolicy:   f.RetryPolicy,
			StoreResultAs: f.StoreResultAs,
			Produces:      f.Produces,
			Consumes:      f.Consumes,
			Bundle:        f.Bundle,
		}
	case StepTypeService:
		var req ServiceRequest
		if f.Request != nil {
			req = *f.Request
		}
		s.Service = &ServiceStepSpec{
			ServiceSlug:     f.ServiceSlug,
			Request:         req,
			RequireHealthy:  f.RequireHealthy,
			AllowDegraded:   f.AllowDegraded,
			CaptureResponse: f.CaptureResponse,
			StoreResponseAs: f.StoreResponseAs,
			RetryPolicy:     f.RetryPolicy,
		}
	case StepTypeFanout:
		s.Fanout = &FanoutStepSpec{
			Collection:     f.Collection,
			Template:       f.Template,
			MaxItems:       f.MaxItems,
			MaxConcurrency: f.MaxConcurrency,
			StoreResultsAs: f.StoreResultsAs,
		}
	default:
		return fmt.Errorf("step %q has unknown type %q", f.ID, f.Type)
	}
	return nil
}

// MarshalJSON renders the flat wire form.
func (s Step) MarshalJSON() ([]byte, error) {
	f := flatStep{
		ID:         s.ID,
		Type:       s.Type,
		DependsOn:  s.DependsOn,
		Dependents: s.Dependents,
	}
	switch {
	case s.Job != nil:
		f.JobSlug = s.Job.JobSlug
		f.Parameters = s.Job.Parameters
		f.TimeoutMs = s.Job.TimeoutMs
		f.RetryPolicy = s.Job.RetryPolicy
		f.StoreResultAs = s.Job.StoreResultAs
		f.Produces = s.Job.Produces
		f.Consumes = s.Job.Consumes
		f.Bundle = s.Job.Bundle
	case s.Service != nil:
		req := s.Service.Request
		f.ServiceSlug = s.Service.ServiceSlug
		f.Request = &req
		f.RequireHealthy = s.Service.RequireHealthy
		f.AllowDegraded = s.Service.AllowDegraded
		f.CaptureResponse = s.Service.CaptureResponse
		f.StoreResponseAs = s.Service.StoreResponseAs
		f.RetryPolicy = s.Service.RetryPolicy
	case s.Fanout != nil:
		f.Collection = s.Fanout.Collection
		f.Template = s.Fanout.Template
		f.MaxItems = s.Fanout.MaxItems
		f.MaxConcurrency = s.Fanout.MaxConcurrency
		f.StoreResultsAs = s.Fanout.StoreResultsAs
	}
	return json.Marshal(f)
}

// UnmarshalJSON accepts a literal string or the {secret, prefix} object form.
func (h *HeaderValue) UnmarshalJSON(data []byte) error {
	var literal string
	if err := json.Unmarshal(data, &literal); err == nil {
		h.Literal = literal
		h.Secret = nil
		h.Prefix = ""
		return nil
	}
	var obj struct {
		Secret *SecretRef `json:"secret"`
		Prefix string     `json:"prefix"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("header value must be a string or a secret reference: %w", err)
	}
	if obj.Secret == nil {
		return fmt.Errorf("header value object is missing the secret reference")
	}
	h.Literal = ""
	h.Secret = obj.Secret
	h.Prefix = obj.Prefix
	return nil
}

// MarshalJSON renders literal headers as strings and secret refs as objects.
func (h HeaderValue) MarshalJSON() ([]byte, error) {
	if h.Secret == nil {
		return json.Marshal(h.Literal)
	}
	return json.Marshal(struct {
		Secret *SecretRef `json:"secret"`
		Prefix string     `json:"prefix,omitempty"`
	}{Secret: h.Secret, Prefix: h.Prefix})
}

// Produces returns the asset declarations produced by the step, if any.
func (s *Step) ProducedAssets() []asset.Declaration {
	if s.Job == nil {
		return nil
	}
	return s.Job.Produces
}

// ConsumedAssets returns the asset declarations consumed by the step, if any.
func (s *Step) ConsumedAssets() []asset.Declaration {
	if s.Job == nil {
		return nil
	}
	return s.Job.Consumes
}
