package insights

import (
	"fmt"
	"sync"
)

// ValidationError reports a single schema violation found while validating
// an event before publish (or defensively after decode).
type ValidationError struct {
	Field  string // The offending field, in wire (camelCase) form.
	Reason string // Human-readable description of the violation.
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("insights: invalid event: field %s: %s", e.Field, e.Reason)
}

// ParseError reports a stream entry that could not be decoded into an
// event. The consume loop and replay log these and skip the entry without
// acknowledging it; they never crash on one.
type ParseError struct {
	EntryID string
	Err     error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("insights: entry %s: parse: %v", e.EntryID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ParseError) Unwrap() error { return e.Err }

func errUnknownSchemaVersion(v string) error {
	return fmt.Errorf("unknown schema version %q", v)
}

// Enum membership sets used by Validate. These mirror the constants in
// event.go; a value outside its set is rejected before it reaches the wire.
var (
	validGovernanceModes = map[GovernanceMode]bool{
		GovernanceDemo: true,
		GovernanceLive: true,
	}
	validCallers = map[Caller]bool{
		CallerOrchestrator: true,
		CallerWorker:       true,
		CallerWeb:          true,
	}
	validTiers = map[Tier]bool{
		TierNano:     true,
		TierMini:     true,
		TierFrontier: true,
	}
	validStatuses = map[Status]bool{
		StatusSuccess:     true,
		StatusFailed:      true,
		StatusBlocked:     true,
		StatusTimeout:     true,
		StatusRateLimited: true,
	}
	validPurposes = map[Purpose]bool{
		PurposeRoute:     true,
		PurposeGenerate:  true,
		PurposeRAG:       true,
		PurposeRefine:    true,
		PurposeClassify:  true,
		PurposeExtract:   true,
		PurposeSummarize: true,
		PurposeValidate:  true,
	}
	validPHIStatuses = map[PHIStatus]bool{
		PHIClean:    true,
		PHIFlagged:  true,
		PHIRedacted: true,
		PHISkipped:  true,
	}
)

// Validate checks the event against the invocation schema: required fields
// present, enum values within their sets, and numeric ranges respected
// (token counts, cost, and latency non-negative; stage within 1..20).
// It is pure and side-effect free; the publisher runs it before every send
// and the decoder runs it again on receive.
//
// Returns:
//   - error: A *ValidationError describing the first violation found, or
//     nil when the event conforms.
func (ev *InvocationEvent) Validate() error {
	if ev.InvocationID == "" {
		return &ValidationError{Field: "invocationId", Reason: "required"}
	}
	if ev.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if !validGovernanceModes[ev.GovernanceMode] {
		return &ValidationError{Field: "governanceMode", Reason: fmt.Sprintf("unknown value %q", ev.GovernanceMode)}
	}
	if ev.ProjectID == "" {
		return &ValidationError{Field: "projectId", Reason: "required"}
	}
	if !validCallers[ev.Caller] {
		return &ValidationError{Field: "caller", Reason: fmt.Sprintf("unknown value %q", ev.Caller)}
	}
	if !validTiers[ev.Tier] {
		return &ValidationError{Field: "tier", Reason: fmt.Sprintf("unknown value %q", ev.Tier)}
	}
	if ev.Provider == "" {
		return &ValidationError{Field: "provider", Reason: "required"}
	}
	if ev.Model == "" {
		return &ValidationError{Field: "model", Reason: "required"}
	}
	if !validStatuses[ev.Status] {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", ev.Status)}
	}
	if ev.Stage != 0 && (ev.Stage < 1 || ev.Stage > 20) {
		return &ValidationError{Field: "stage", Reason: fmt.Sprintf("%d outside 1..20", ev.Stage)}
	}
	if ev.Purpose != "" && !validPurposes[ev.Purpose] {
		return &ValidationError{Field: "purpose", Reason: fmt.Sprintf("unknown value %q", ev.Purpose)}
	}
	if ev.Routing != nil && ev.Routing.InitialTier != "" && !validTiers[ev.Routing.InitialTier] {
		return &ValidationError{Field: "routing.initialTier", Reason: fmt.Sprintf("unknown value %q", ev.Routing.InitialTier)}
	}
	if ev.Usage != nil {
		if ev.Usage.InputTokens < 0 {
			return &ValidationError{Field: "usage.inputTokens", Reason: "negative"}
		}
		if ev.Usage.OutputTokens < 0 {
			return &ValidationError{Field: "usage.outputTokens", Reason: "negative"}
		}
		if ev.Usage.CostUSD < 0 {
			return &ValidationError{Field: "usage.costUsd", Reason: "negative"}
		}
		if ev.Usage.LatencyMS < 0 {
			return &ValidationError{Field: "usage.latencyMs", Reason: "negative"}
		}
		if ev.Usage.TimeToFirstTokenMS < 0 {
			return &ValidationError{Field: "usage.timeToFirstTokenMs", Reason: "negative"}
		}
	}
	if ev.PHI != nil {
		for dir, scan := range map[string]*PHIScan{"phi.input": ev.PHI.Input, "phi.output": ev.PHI.Output} {
			if scan == nil {
				continue
			}
			if !validPHIStatuses[scan.Status] {
				return &ValidationError{Field: dir + ".status", Reason: fmt.Sprintf("unknown value %q", scan.Status)}
			}
			if scan.RedactionCount < 0 {
				return &ValidationError{Field: dir + ".redactionCount", Reason: "negative"}
			}
		}
	}
	if ev.Error != nil && ev.Status == StatusSuccess {
		return &ValidationError{Field: "error", Reason: "present on SUCCESS event"}
	}
	return nil
}

// EntryDecoder turns a raw stream entry (ID, decrypted payload bytes, flat
// field map) into a StreamEntry. Decoders are registered per type tag, so
// new event kinds can ride the same stream without changing the bus or the
// filter-field contract.
type EntryDecoder func(id string, data []byte, fields map[string]string) (*StreamEntry, error)

// decoderRegistry maps entry type tags to their decoders. Protected by
// decoderMu for concurrent access.
var (
	decoderRegistry = make(map[string]EntryDecoder)
	decoderMu       sync.RWMutex
)

// RegisterEntryDecoder adds or replaces the decoder for a type tag.
// Thread-safe. The invocation decoder is registered during package
// initialization; registering another decoder under EntryTypeInvocation
// overrides it.
func RegisterEntryDecoder(typeTag string, dec EntryDecoder) {
	decoderMu.Lock()
	defer decoderMu.Unlock()
	decoderRegistry[typeTag] = dec
}

// lookupEntryDecoder returns the decoder for a type tag, or nil.
func lookupEntryDecoder(typeTag string) EntryDecoder {
	decoderMu.RLock()
	defer decoderMu.RUnlock()
	return decoderRegistry[typeTag]
}

// init registers the decoder for the one event type this package defines.
func init() {
	RegisterEntryDecoder(EntryTypeInvocation, decodeInvocation)
}
