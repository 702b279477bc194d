// SPDX-License-Identifier: Apache-2.0

// Package flow runs admin-defined step sequences during
// authentication. A flow is an ordered node array selected by
// (tenant, trigger); execution produces a FlowRun that either
// succeeds, fails, or suspends awaiting a user submission and resumes
// through a single-use token.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/Volcar144/WayGate-sub000/pkg/crypto"
	"github.com/Volcar144/WayGate-sub000/pkg/faststore"
	"github.com/Volcar144/WayGate-sub000/pkg/logger"
	"github.com/Volcar144/WayGate-sub000/pkg/storage"
)

// Run statuses as surfaced to callers.
type Status string

const (
	// StatusSkipped means no enabled flow exists for the trigger;
	// authorization proceeds without one.
	StatusSkipped Status = "skipped"

	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Prompt kinds.
const (
	PromptForm    = "form"
	PromptCaptcha = "captcha"
	PromptMFA     = "mfa"
)

// Submission field carrying the captcha token.
const CaptchaTokenField = "captcha_token"

var (
	// ErrResumeExpired is returned when a resume token is unknown,
	// already consumed, expired, or bound to another tenant.
	ErrResumeExpired = errors.New("flow resume token expired or already used")

	// ErrResumeMismatch is returned when a valid token references a
	// node other than the run's current one.
	ErrResumeMismatch = errors.New("flow resume token does not match run state")

	// ErrRunNotResumable is returned when the referenced run is not
	// interrupted.
	ErrRunNotResumable = errors.New("flow run is not awaiting input")
)

// PromptDescriptor describes the form the caller must render to
// continue an interrupted run.
type PromptDescriptor struct {
	RunID       string          `json:"runId"`
	NodeID      string          `json:"nodeId"`
	ResumeToken string          `json:"resumeToken"`
	Kind        string          `json:"kind"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`

	// Error carries an inline validation message when a prompt is
	// re-rendered after a rejected submission.
	Error string `json:"error,omitempty"`
}

// Result is the outcome of starting or resuming a flow.
type Result struct {
	Status    Status
	RunID     string
	Prompt    *PromptDescriptor
	LastError string
}

// StartInput begins a run for a trigger.
type StartInput struct {
	Trigger string
	UserID  string
	Rid     string
	Request *RequestInfo
	Extras  map[string]any
}

// Engine drives flow execution against the relational store and the
// fast store.
type Engine struct {
	flows   storage.FlowStore
	fast    faststore.Store
	captcha *captchaVerifier

	now func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithHTTPClient overrides the client used for captcha verification.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.captcha.httpClient = c }
}

// NewEngine wires a flow engine.
func NewEngine(flows storage.FlowStore, fast faststore.Store, opts ...Option) *Engine {
	e := &Engine{
		flows:   flows,
		fast:    fast,
		captcha: newCaptchaVerifier(fast, nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the enabled flow for (tenant, trigger). Absence of a
// flow is a skipped result, not an error.
func (e *Engine) Start(ctx context.Context, tenant *storage.Tenant, in StartInput) (*Result, error) {
	f, err := e.flows.GetActiveFlow(ctx, tenant.ID, in.Trigger)
	if errors.Is(err, storage.ErrNotFound) {
		return &Result{Status: StatusSkipped}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading flow: %w", err)
	}

	nodes, err := ParseNodes(f.Nodes)
	if err != nil {
		return nil, fmt.Errorf("flow %s: %w", f.ID, err)
	}

	rc := newRunContext(in.UserID, in.Rid, in.Request, in.Extras)
	encoded, err := rc.encode()
	if err != nil {
		return nil, err
	}
	run := &storage.FlowRun{
		ID:         uuid.NewString(),
		TenantID:   tenant.ID,
		FlowID:     f.ID,
		UserID:     in.UserID,
		RequestRid: in.Rid,
		Trigger:    in.Trigger,
		Context:    encoded,
		Status:     storage.RunRunning,
		StartedAt:  storage.At(e.now()),
	}
	if err := e.flows.CreateFlowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating flow run: %w", err)
	}

	return e.drive(ctx, tenant, run, nodes, startIndex(nodes), rc, nil)
}

// Resume consumes a resume token and re-enters the loop at the
// suspended node, carrying the submitted fields.
func (e *Engine) Resume(ctx context.Context, tenant *storage.Tenant, token string, submission map[string]string) (*Result, error) {
	rt, err := e.fast.ConsumeResumeToken(ctx, token)
	if errors.Is(err, faststore.ErrNotFound) || errors.Is(err, faststore.ErrExpired) {
		return nil, ErrResumeExpired
	}
	if err != nil {
		return nil, fmt.Errorf("consuming resume token: %w", err)
	}
	if rt.TenantID != tenant.ID {
		return nil, ErrResumeExpired
	}

	run, err := e.flows.GetFlowRun(ctx, tenant.ID, rt.RunID)
	if err != nil {
		return nil, fmt.Errorf("loading flow run: %w", err)
	}
	if run.Status != storage.RunInterrupted {
		return nil, ErrRunNotResumable
	}
	if run.CurrentNodeID != rt.NodeID {
		return nil, ErrResumeMismatch
	}

	f, err := e.flows.GetActiveFlow(ctx, tenant.ID, run.Trigger)
	if err != nil || f.ID != run.FlowID {
		// The flow was disabled or replaced while the run was
		// suspended; the run cannot continue against different nodes.
		return e.fail(ctx, run, rt.NodeID, errors.New("flow configuration changed during run"))
	}
	nodes, err := ParseNodes(f.Nodes)
	if err != nil {
		return e.fail(ctx, run, rt.NodeID, err)
	}
	idx := indexOf(nodes, rt.NodeID)
	if idx < 0 {
		return e.fail(ctx, run, rt.NodeID, errors.New("suspended node no longer exists"))
	}

	rc, err := decodeRunContext(run.Context)
	if err != nil {
		return e.fail(ctx, run, rt.NodeID, err)
	}

	run.Status = storage.RunRunning
	e.event(ctx, run, rt.NodeID, "resume", nil)
	return e.drive(ctx, tenant, run, nodes, idx, rc, submission)
}

// stepOutcome is the control-flow decision of one node execution.
type stepOutcome struct {
	jumpTo  string
	suspend *PromptDescriptor
	finish  bool
}

// drive advances node-by-node until the run finishes, fails, or
// suspends. submission is visible only to the first node executed, so
// a resumed node consumes it and later nodes start clean.
func (e *Engine) drive(ctx context.Context, tenant *storage.Tenant, run *storage.FlowRun, nodes []Node, idx int, rc *RunContext, submission map[string]string) (*Result, error) {
	maxSteps := 4 * len(nodes)
	for step := 0; ; step++ {
		if idx >= len(nodes) {
			return e.succeed(ctx, run, rc)
		}
		if step >= maxSteps {
			return e.fail(ctx, run, run.CurrentNodeID, fmt.Errorf("flow exceeded %d steps", maxSteps))
		}

		node := &nodes[idx]
		run.CurrentNodeID = node.ID
		e.event(ctx, run, node.ID, "enter", nil)

		out, err := e.execNode(ctx, tenant, rc, node, submission)
		submission = nil
		if err != nil {
			return e.fail(ctx, run, node.ID, err)
		}

		switch {
		case out.suspend != nil:
			return e.suspendRun(ctx, tenant, run, rc, node, out.suspend)
		case out.finish:
			e.event(ctx, run, node.ID, "exit", nil)
			return e.succeed(ctx, run, rc)
		case out.jumpTo != "":
			next := indexOf(nodes, out.jumpTo)
			if next < 0 {
				return e.fail(ctx, run, node.ID, fmt.Errorf("jump to unknown node %q", out.jumpTo))
			}
			idx = next
		default:
			idx++
		}

		e.event(ctx, run, node.ID, "exit", nil)
		if err := e.persist(ctx, run, rc); err != nil {
			return nil, err
		}
	}
}

//nolint:gocyclo // one arm per node type
func (e *Engine) execNode(ctx context.Context, tenant *storage.Tenant, rc *RunContext, node *Node, submission map[string]string) (stepOutcome, error) {
	switch node.Type {
	case NodeBegin:
		return stepOutcome{}, nil

	case NodeReadSignals:
		rc.Signals = buildSignals(rc.Request)
		return stepOutcome{}, nil

	case NodeGeoCheck:
		return e.execGeoCheck(ctx, tenant, rc, node)

	case NodeCheckCaptcha:
		return e.execCaptcha(ctx, rc, node, submission)

	case NodePromptUI, NodeRequireReauth:
		return e.execPrompt(ctx, tenant, rc, node, submission)

	case NodeMetadataWrite:
		return e.execMetadataWrite(ctx, tenant, rc, node)

	case NodeMFATOTP, NodeMFASMS, NodeMFAEmail, NodeMFAWebAuthn:
		return e.execMFA(rc, node, submission)

	case NodeFinish:
		return stepOutcome{finish: true}, nil

	default:
		return stepOutcome{}, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func (e *Engine) execGeoCheck(ctx context.Context, tenant *storage.Tenant, rc *RunContext, node *Node) (stepOutcome, error) {
	cfg, err := decodeConfig[GeoCheckConfig](node)
	if err != nil {
		return stepOutcome{}, err
	}

	current := ""
	if rc.Signals != nil {
		current = rc.Signals.Country
	} else if rc.Request != nil {
		current = rc.Request.Country
	}

	md, err := e.flows.GetUserMetadata(ctx, tenant.ID, rc.UserID, cfg.Namespace)
	if errors.Is(err, storage.ErrNotFound) {
		// Nothing recorded yet; first sign-in from anywhere passes.
		return stepOutcome{}, nil
	}
	if err != nil {
		return stepOutcome{}, fmt.Errorf("loading %s metadata: %w", cfg.Namespace, err)
	}

	var data map[string]any
	if err := json.Unmarshal(md.Data, &data); err != nil {
		return stepOutcome{}, fmt.Errorf("decoding %s metadata: %w", cfg.Namespace, err)
	}
	stored, _ := data[cfg.Key].(string)
	if stored == "" || strings.EqualFold(stored, current) {
		return stepOutcome{}, nil
	}
	if node.FailureNodeID == "" {
		return stepOutcome{}, fmt.Errorf("geolocation mismatch: %s != %s", current, stored)
	}
	return stepOutcome{jumpTo: node.FailureNodeID}, nil
}

func (e *Engine) execCaptcha(ctx context.Context, rc *RunContext, node *Node, submission map[string]string) (stepOutcome, error) {
	if rc.Captcha != nil {
		return stepOutcome{}, nil
	}
	cfg, err := decodeConfig[CaptchaConfig](node)
	if err != nil {
		return stepOutcome{}, err
	}

	desc := &PromptDescriptor{
		NodeID:   node.ID,
		Kind:     PromptCaptcha,
		Provider: cfg.Provider,
	}
	token := submission[CaptchaTokenField]
	if token == "" {
		return stepOutcome{suspend: desc}, nil
	}

	remoteIP := ""
	if rc.Request != nil {
		remoteIP = rc.Request.IP
	}
	result, err := e.captcha.Verify(ctx, cfg, remoteIP, token)
	switch {
	case errors.Is(err, ErrCaptchaReplayed), errors.Is(err, ErrCaptchaRejected):
		desc.Error = err.Error()
		return stepOutcome{suspend: desc}, nil
	case err != nil:
		return stepOutcome{}, err
	}
	rc.Captcha = result
	return stepOutcome{}, nil
}

func (e *Engine) execPrompt(ctx context.Context, tenant *storage.Tenant, rc *RunContext, node *Node, submission map[string]string) (stepOutcome, error) {
	prompt, err := e.flows.GetUiPrompt(ctx, tenant.ID, node.UiPromptID)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("loading ui prompt %s: %w", node.UiPromptID, err)
	}
	desc := &PromptDescriptor{
		NodeID:      node.ID,
		Kind:        PromptForm,
		Title:       prompt.Title,
		Description: prompt.Description,
		Schema:      json.RawMessage(prompt.Schema),
	}
	if node.Type == NodeRequireReauth {
		desc.Meta = map[string]any{"reauth": true}
	}
	if submission == nil {
		return stepOutcome{suspend: desc}, nil
	}

	if msg, err := validateSubmission(prompt.Schema, submission); err != nil {
		return stepOutcome{}, err
	} else if msg != "" {
		desc.Error = msg
		return stepOutcome{suspend: desc}, nil
	}
	rc.Prompts[node.ID] = submission

	cfg, err := decodePromptConfig(node)
	if err != nil {
		return stepOutcome{}, err
	}
	route, ok := cfg.ActionRouting[submission["action"]]
	if !ok {
		return stepOutcome{}, nil
	}
	if route.Failure {
		if node.FailureNodeID == "" {
			return stepOutcome{}, fmt.Errorf("action %q routed to failure with no failureNodeId", submission["action"])
		}
		return stepOutcome{jumpTo: node.FailureNodeID}, nil
	}
	if route.NextNodeID != "" {
		return stepOutcome{jumpTo: route.NextNodeID}, nil
	}
	return stepOutcome{}, nil
}

func (e *Engine) execMetadataWrite(ctx context.Context, tenant *storage.Tenant, rc *RunContext, node *Node) (stepOutcome, error) {
	cfg, err := decodeConfig[MetadataWriteConfig](node)
	if err != nil {
		return stepOutcome{}, err
	}
	if rc.UserID == "" {
		return stepOutcome{}, errors.New("metadata_write requires a user on the run")
	}

	merged := make(map[string]any)
	if md, err := e.flows.GetUserMetadata(ctx, tenant.ID, rc.UserID, cfg.Namespace); err == nil {
		if err := json.Unmarshal(md.Data, &merged); err != nil {
			return stepOutcome{}, fmt.Errorf("decoding %s metadata: %w", cfg.Namespace, err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return stepOutcome{}, fmt.Errorf("loading %s metadata: %w", cfg.Namespace, err)
	}
	for k, v := range cfg.Values {
		merged[k] = resolveValue(v, rc)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return stepOutcome{}, err
	}
	err = e.flows.UpsertUserMetadata(ctx, &storage.UserMetadata{
		TenantID:  tenant.ID,
		UserID:    rc.UserID,
		Namespace: cfg.Namespace,
		Data:      data,
		UpdatedAt: storage.At(e.now()),
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("upserting %s metadata: %w", cfg.Namespace, err)
	}
	rc.Metadata[cfg.Namespace] = merged
	return stepOutcome{}, nil
}

func (e *Engine) execMFA(rc *RunContext, node *Node, submission map[string]string) (stepOutcome, error) {
	cfg, err := decodeConfig[MFAConfig](node)
	if err != nil {
		return stepOutcome{}, err
	}
	field := cfg.Field
	if field == "" {
		field = "code"
	}
	meta := map[string]any{"type": node.Type, "field": field}
	for k, v := range cfg.Meta {
		meta[k] = v
	}
	desc := &PromptDescriptor{NodeID: node.ID, Kind: PromptMFA, Meta: meta}

	if submission == nil {
		return stepOutcome{suspend: desc}, nil
	}
	if submission[field] == "" {
		desc.Error = fmt.Sprintf("field %q is required", field)
		return stepOutcome{suspend: desc}, nil
	}
	rc.Prompts[node.ID] = submission
	return stepOutcome{}, nil
}

// resolveValue expands the handful of ${...} placeholders a
// metadata_write value may reference from the run context.
func resolveValue(v any, rc *RunContext) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "${signals.country}":
		if rc.Signals != nil {
			return rc.Signals.Country
		}
		return ""
	case "${signals.ip}":
		if rc.Signals != nil {
			return rc.Signals.IP
		}
		return ""
	default:
		return s
	}
}

// validateSubmission checks the submitted fields against the prompt's
// JSON schema. A non-empty message means the submission is invalid; an
// error means the schema itself could not be evaluated.
func validateSubmission(schema storage.RawJSON, submission map[string]string) (string, error) {
	if len(schema) == 0 {
		return "", nil
	}
	doc := make(map[string]any, len(submission))
	for k, v := range submission {
		doc[k] = v
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return "", fmt.Errorf("evaluating prompt schema: %w", err)
	}
	if !result.Valid() {
		return result.Errors()[0].String(), nil
	}
	return "", nil
}

func (e *Engine) suspendRun(ctx context.Context, tenant *storage.Tenant, run *storage.FlowRun, rc *RunContext, node *Node, desc *PromptDescriptor) (*Result, error) {
	run.Status = storage.RunInterrupted
	if err := e.persist(ctx, run, rc); err != nil {
		return nil, err
	}

	token := crypto.NewToken()
	err := e.fast.PutResumeToken(ctx, &faststore.ResumeToken{
		Token:     token,
		TenantID:  tenant.ID,
		RunID:     run.ID,
		NodeID:    node.ID,
		ExpiresAt: e.now().Add(faststore.ResumeTokenTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("storing resume token: %w", err)
	}

	desc.RunID = run.ID
	desc.ResumeToken = token
	e.event(ctx, run, node.ID, "prompt", map[string]any{"kind": desc.Kind})
	return &Result{Status: StatusInterrupted, RunID: run.ID, Prompt: desc}, nil
}

func (e *Engine) succeed(ctx context.Context, run *storage.FlowRun, rc *RunContext) (*Result, error) {
	run.Status = storage.RunSuccess
	run.FinishedAt = storage.At(e.now())
	if err := e.persist(ctx, run, rc); err != nil {
		return nil, err
	}
	return &Result{Status: StatusSuccess, RunID: run.ID}, nil
}

func (e *Engine) fail(ctx context.Context, run *storage.FlowRun, nodeID string, cause error) (*Result, error) {
	e.event(ctx, run, nodeID, "error", map[string]any{"error": cause.Error()})
	run.Status = storage.RunFailed
	run.LastError = cause.Error()
	run.FinishedAt = storage.At(e.now())
	if err := e.flows.UpdateFlowRun(ctx, run); err != nil {
		logger.Warnw("flow run update failed", "run_id", run.ID, "error", err)
	}
	return &Result{Status: StatusFailed, RunID: run.ID, LastError: run.LastError}, nil
}

func (e *Engine) persist(ctx context.Context, run *storage.FlowRun, rc *RunContext) error {
	encoded, err := rc.encode()
	if err != nil {
		return err
	}
	run.Context = encoded
	if err := e.flows.UpdateFlowRun(ctx, run); err != nil {
		return fmt.Errorf("updating flow run: %w", err)
	}
	return nil
}

func (e *Engine) event(ctx context.Context, run *storage.FlowRun, nodeID, eventType string, meta map[string]any) {
	var data []byte
	if meta != nil {
		data, _ = json.Marshal(meta)
	}
	err := e.flows.AppendFlowEvent(ctx, &storage.FlowEvent{
		TenantID:  run.TenantID,
		FlowRunID: run.ID,
		NodeID:    nodeID,
		Type:      eventType,
		Metadata:  data,
		CreatedAt: storage.At(e.now()),
	})
	if err != nil {
		logger.Warnw("flow event append failed", "run_id", run.ID, "error", err)
	}
}

// startIndex finds the begin node, or the first node when no begin
// marker exists.
func startIndex(nodes []Node) int {
	for i := range nodes {
		if nodes[i].Type == NodeBegin {
			return i
		}
	}
	return 0
}

func indexOf(nodes []Node, id string) int {
	for i := range nodes {
		if nodes[i].ID == id {
			return i
		}
	}
	return -1
}
