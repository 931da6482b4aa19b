package insights

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// GovernanceMode classifies whether an invocation touched real or synthetic
// data. LIVE events are the audit-relevant subset.
type GovernanceMode string

// Governance modes.
const (
	// GovernanceDemo marks an invocation against synthetic data.
	GovernanceDemo GovernanceMode = "DEMO"
	// GovernanceLive marks an invocation against real data; LIVE events
	// are the subset the audit archive retains.
	GovernanceLive GovernanceMode = "LIVE"
)

// Caller identifies the originating service of an invocation.
type Caller string

// Callers.
const (
	CallerOrchestrator Caller = "orchestrator"
	CallerWorker       Caller = "worker"
	CallerWeb          Caller = "web"
)

// Tier is the cost/capability class of the model that served the request.
type Tier string

// Model tiers, cheapest to most capable.
const (
	TierNano     Tier = "NANO"
	TierMini     Tier = "MINI"
	TierFrontier Tier = "FRONTIER"
)

// Status is the terminal outcome of an invocation.
type Status string

// Invocation outcomes.
const (
	StatusSuccess     Status = "SUCCESS"
	StatusFailed      Status = "FAILED"
	StatusBlocked     Status = "BLOCKED"
	StatusTimeout     Status = "TIMEOUT"
	StatusRateLimited Status = "RATE_LIMITED"
)

// Purpose is the role the invocation played inside a workflow stage.
type Purpose string

// Invocation purposes.
const (
	PurposeRoute     Purpose = "route"
	PurposeGenerate  Purpose = "generate"
	PurposeRAG       Purpose = "rag"
	PurposeRefine    Purpose = "refine"
	PurposeClassify  Purpose = "classify"
	PurposeExtract   Purpose = "extract"
	PurposeSummarize Purpose = "summarize"
	PurposeValidate  Purpose = "validate"
)

// PHIStatus is the outcome of an upstream PHI scan. The bus never scans
// content itself; it carries these results opaquely.
type PHIStatus string

// PHI scan outcomes.
const (
	PHIClean    PHIStatus = "clean"
	PHIFlagged  PHIStatus = "flagged"
	PHIRedacted PHIStatus = "redacted"
	PHISkipped  PHIStatus = "skipped"
)

// PHIScan holds the pre-computed scan result for one direction
// (input or output) of an invocation.
type PHIScan struct {
	Status         PHIStatus `json:"status"`
	DetectedTypes  []string  `json:"detectedTypes,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	RedactionCount int       `json:"redactionCount,omitempty"`
}

// PHIResult pairs the input and output scan results of an invocation.
type PHIResult struct {
	Input  *PHIScan `json:"input,omitempty"`
	Output *PHIScan `json:"output,omitempty"`
}

// Usage captures token and cost accounting for an invocation.
type Usage struct {
	InputTokens        int     `json:"inputTokens"`
	OutputTokens       int     `json:"outputTokens"`
	CostUSD            float64 `json:"costUsd"`
	LatencyMS          int64   `json:"latencyMs"`
	TimeToFirstTokenMS int64   `json:"timeToFirstTokenMs,omitempty"`
}

// Routing records how the tier router handled the invocation: the tier it
// started on, whether it escalated, and the quality-gate outcome.
type Routing struct {
	InitialTier      Tier   `json:"initialTier,omitempty"`
	Escalated        bool   `json:"escalated,omitempty"`
	EscalationReason string `json:"escalationReason,omitempty"`
	QualityGate      string `json:"qualityGate,omitempty"`
}

// InvocationError describes why a non-SUCCESS invocation ended the way it
// did. It is present only when Status is not SUCCESS.
type InvocationError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// InvocationEvent is the unit of record: one AI model invocation as seen by
// the transparency pipeline. An event is created once by a caller, is
// immutable thereafter, and is appended to the stream exactly once by the
// publisher. Corrections are new events; there is no update path.
//
// InvocationID, Timestamp, GovernanceMode, ProjectID, Caller, Tier,
// Provider, and Model are always present. Everything else is optional and
// additive.
type InvocationEvent struct {
	InvocationID   string         `json:"invocationId"`
	Timestamp      time.Time      `json:"timestamp"`
	GovernanceMode GovernanceMode `json:"governanceMode"`
	ProjectID      string         `json:"projectId"`
	Caller         Caller         `json:"caller"`
	Tier           Tier           `json:"tier"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`

	// Workflow context.
	RunID     string  `json:"runId,omitempty"`
	Stage     int     `json:"stage,omitempty"`
	StageName string  `json:"stageName,omitempty"`
	Purpose   Purpose `json:"purpose,omitempty"`

	// Content references. Refs are opaque URIs, never raw content;
	// redacted previews are clamped to PreviewMaxLen at publish time.
	PromptRef      string `json:"promptRef,omitempty"`
	OutputRef      string `json:"outputRef,omitempty"`
	PromptRedacted string `json:"promptRedacted,omitempty"`
	OutputRedacted string `json:"outputRedacted,omitempty"`

	PHI     *PHIResult `json:"phi,omitempty"`
	Usage   *Usage     `json:"usage,omitempty"`
	Routing *Routing   `json:"routing,omitempty"`

	Status Status           `json:"status"`
	Error  *InvocationError `json:"error,omitempty"`

	// Categorization and multitenancy.
	Tags     []string `json:"tags,omitempty"`
	AgentID  string   `json:"agentId,omitempty"`
	UserID   string   `json:"userId,omitempty"`
	TenantID string   `json:"tenantId,omitempty"`

	// Trace correlation, captured from the caller's context at creation.
	TraceID string `json:"traceId,omitempty"`
	SpanID  string `json:"spanId,omitempty"`
}

// NewInvocationEvent fills the creation defaults of a partially-built event:
// a random InvocationID if absent, the current time if the timestamp is
// zero, SUCCESS if no status is set, and trace/span IDs from the context's
// span when the event does not already carry them. Fields the caller set
// are never overwritten, so the function is safe to apply more than once.
//
// Parameters:
//   - ctx: The context, potentially carrying an OpenTelemetry span.
//   - ev: The partially-built event.
//
// Returns:
//   - InvocationEvent: The event with all creation defaults applied.
func NewInvocationEvent(ctx context.Context, ev InvocationEvent) InvocationEvent {
	if ev.InvocationID == "" {
		ev.InvocationID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Status == "" {
		ev.Status = StatusSuccess
	}
	if ev.TraceID == "" || ev.SpanID == "" {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			if ev.TraceID == "" {
				ev.TraceID = spanCtx.TraceID().String()
			}
			if ev.SpanID == "" {
				ev.SpanID = spanCtx.SpanID().String()
			}
		}
	}
	return ev
}

// Flat field names duplicated next to the JSON payload on every stream
// entry. They are a fixed projection of the payload so that consumers and
// replay filters can match entries without deserializing `data`.
const (
	fieldType           = "type"
	fieldSchemaVersion  = "schema_version"
	fieldData           = "data"
	fieldEncoding       = "enc"
	fieldTimestamp      = "timestamp"
	fieldGovernanceMode = "governance_mode"
	fieldProjectID      = "project_id"
	fieldTier           = "tier"
	fieldStatus         = "status"
	fieldRunID          = "run_id"
	fieldStage          = "stage"
	fieldAgentID        = "agent_id"
	fieldUserID         = "user_id"
	fieldTenantID       = "tenant_id"
)

// EntryTypeInvocation is the type tag carried on every invocation entry.
// Future event kinds ride the same stream under their own tag; see
// RegisterEntryDecoder.
const EntryTypeInvocation = "ai_invocation"

// invocationSchemaVersion is the payload schema version written with every
// entry. The decoder rejects entries whose version it does not understand.
const invocationSchemaVersion = "1"

// FilterFields returns the fixed projection of the event onto the flat
// filter-field map. Optional fields are included only when set, matching
// the additive shape of the event itself.
func (ev *InvocationEvent) FilterFields() map[string]string {
	fields := map[string]string{
		fieldTimestamp:      ev.Timestamp.Format(time.RFC3339Nano),
		fieldGovernanceMode: string(ev.GovernanceMode),
		fieldProjectID:      ev.ProjectID,
		fieldTier:           string(ev.Tier),
		fieldStatus:         string(ev.Status),
	}
	if ev.RunID != "" {
		fields[fieldRunID] = ev.RunID
	}
	if ev.Stage != 0 {
		fields[fieldStage] = strconv.Itoa(ev.Stage)
	}
	if ev.AgentID != "" {
		fields[fieldAgentID] = ev.AgentID
	}
	if ev.UserID != "" {
		fields[fieldUserID] = ev.UserID
	}
	if ev.TenantID != "" {
		fields[fieldTenantID] = ev.TenantID
	}
	return fields
}

// StreamEntry is the wire-level wrapper around an event: the store-assigned
// monotonic ID, the type tag, the decoded payload, and the flat field map
// the entry carried.
type StreamEntry struct {
	ID     string
	Type   string
	Event  *InvocationEvent
	Fields map[string]string
}

// decodeInvocation is the registered decoder for EntryTypeInvocation. It
// unmarshals the JSON payload and re-validates it defensively, since replay
// may hand it history written by older or misbehaving producers.
func decodeInvocation(id string, data []byte, fields map[string]string) (*StreamEntry, error) {
	if v, ok := fields[fieldSchemaVersion]; ok && v != invocationSchemaVersion {
		return nil, &ParseError{EntryID: id, Err: errUnknownSchemaVersion(v)}
	}
	var ev InvocationEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &ParseError{EntryID: id, Err: err}
	}
	if err := ev.Validate(); err != nil {
		return nil, &ParseError{EntryID: id, Err: err}
	}
	return &StreamEntry{
		ID:     id,
		Type:   EntryTypeInvocation,
		Event:  &ev,
		Fields: fields,
	}, nil
}
