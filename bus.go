package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Sentinel errors returned by bus operations.
var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("insights: bus is closed")
	// ErrAlreadyConsuming is returned by Consume when another Consume call
	// is already running on this Bus instance.
	ErrAlreadyConsuming = errors.New("insights: bus is already consuming")
	// ErrRateLimited is returned by Publish when the configured publish
	// rate limit rejects the event. The event is not sent.
	ErrRateLimited = errors.New("insights: publish rate limit exceeded")
)

// Consume-state values held in Bus.state.
const (
	stateIdle int32 = iota
	stateConsuming
)

// Handler processes one decoded stream entry. Returning nil acknowledges
// the entry; returning an error leaves it pending so it will be redelivered
// once its idle time crosses the claim threshold. Handlers must be
// idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, entry *StreamEntry) error

// PublishResult is the per-event outcome of PublishBatch, in input order.
// Exactly one of ID and Err is set.
type PublishResult struct {
	ID  string
	Err error
}

// Health is the result of HealthCheck.
type Health struct {
	Healthy      bool
	Latency      time.Duration
	StreamLength int64
	Error        string
}

// StreamInfo is a point-in-time snapshot of the stream for introspection.
// All fields are zero when the stream does not exist yet.
type StreamInfo struct {
	Length       int64
	FirstEntryID string
	LastEntryID  string
	Groups       int64
}

// ReplayFilter selects entries during Replay by equality on fields that are
// present in the flat field map, so filtering never requires decoding the
// payload. Zero-valued fields match everything.
type ReplayFilter struct {
	RunID          string
	GovernanceMode GovernanceMode
	Tier           Tier
}

func (f *ReplayFilter) empty() bool {
	return f.RunID == "" && f.GovernanceMode == "" && f.Tier == ""
}

// matches reports whether the raw entry field values satisfy the filter.
func (f *ReplayFilter) matches(values map[string]interface{}) bool {
	if f.RunID != "" && stringField(values, fieldRunID) != f.RunID {
		return false
	}
	if f.GovernanceMode != "" && stringField(values, fieldGovernanceMode) != string(f.GovernanceMode) {
		return false
	}
	if f.Tier != "" && stringField(values, fieldTier) != string(f.Tier) {
		return false
	}
	return true
}

// replayOptions collects the optional parameters of Replay.
type replayOptions struct {
	toID   string
	limit  int
	filter ReplayFilter
}

// ReplayOption configures a single Replay call.
type ReplayOption func(*replayOptions)

// WithReplayTo bounds the replay at toID inclusive. Default is the end of
// the stream.
func WithReplayTo(toID string) ReplayOption {
	return func(o *replayOptions) { o.toID = toID }
}

// WithReplayLimit stops the replay after n delivered entries. Zero means
// unlimited.
func WithReplayLimit(n int) ReplayOption {
	return func(o *replayOptions) { o.limit = n }
}

// WithReplayFilter delivers only entries matching the filter. Filtered-out
// entries do not count toward the replay limit.
func WithReplayFilter(f ReplayFilter) ReplayOption {
	return func(o *replayOptions) { o.filter = f }
}

// Bus is the transparency event bus: a durable, replayable, multi-consumer
// pipeline over a Redis stream. One Bus instance represents one named
// consumer within one consumer group; publishing is safe from any number of
// goroutines, while Consume runs at most once per instance at a time.
//
// The Bus owns none of the data plane: durability, ordering, group cursors
// and pending-entry bookkeeping all live in the stream store, so any number
// of processes can publish and consume concurrently.
type Bus struct {
	rdb     redis.UniversalClient
	cfg     BusConfig
	metrics BusMetrics
	limiter *rate.Limiter
	cipher  *payloadCipher

	state  atomic.Int32
	closed atomic.Bool
}

// NewBus creates a Bus over the given Redis client, applying options on top
// of DefaultBusConfig. The client is caller-owned and is not closed by
// Close.
//
// Parameters:
//   - client: The Redis client; redis.UniversalClient so single-node,
//     sentinel and cluster deployments all work.
//   - opts: Functional options; see the With* functions in config.go.
//
// Returns:
//   - *Bus: The configured bus.
//   - error: Non-nil when the configuration is invalid (empty stream or
//     group name, bad encryption key length).
func NewBus(client redis.UniversalClient, opts ...BusOption) (*Bus, error) {
	if client == nil {
		return nil, errors.New("insights: nil redis client")
	}
	cfg := DefaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Stream == "" {
		return nil, errors.New("insights: empty stream name")
	}
	if cfg.Group == "" {
		return nil, errors.New("insights: empty group name")
	}
	if cfg.Consumer == "" {
		cfg.Consumer = defaultConsumerName()
	}
	b := &Bus{
		rdb:     client,
		cfg:     cfg,
		metrics: cfg.Metrics,
	}
	if b.metrics == nil {
		b.metrics = nopMetrics{}
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if len(cfg.EncryptionKey) > 0 {
		c, err := newPayloadCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("insights: encryption key: %w", err)
		}
		b.cipher = c
	}
	return b, nil
}

// Close marks the bus closed and shuts down the forwarder, if any. It does
// not close the Redis client, which the caller owns. A running Consume loop
// observes the closed flag and returns on its next iteration. Close is
// idempotent.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cfg.Forwarder != nil {
		if err := b.cfg.Forwarder.Close(); err != nil {
			return fmt.Errorf("insights: close forwarder: %w", err)
		}
	}
	return nil
}

// reportError forwards an asynchronous failure to the configured ErrorFunc,
// if any, along with the event involved (may be nil).
func (b *Bus) reportError(err error, ev *InvocationEvent) {
	if b.cfg.ErrorFunc != nil {
		b.cfg.ErrorFunc(err, ev)
	}
}

// entryValues builds the flat field map written to the stream for one
// event: type tag, schema version, the JSON payload under `data` (AES-GCM
// encrypted when a key is configured, with `enc` marking the encoding), and
// the filter-field projection in cleartext.
func (b *Bus) entryValues(ev *InvocationEvent) (map[string]interface{}, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	values := map[string]interface{}{
		fieldType:          EntryTypeInvocation,
		fieldSchemaVersion: invocationSchemaVersion,
	}
	if b.cipher != nil {
		sealed, err := b.cipher.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		values[fieldData] = sealed
		values[fieldEncoding] = encodingAESGCM
	} else {
		values[fieldData] = string(payload)
	}
	for k, v := range ev.FilterFields() {
		values[k] = v
	}
	return values, nil
}

// xAddArgs builds the XADD arguments for one prepared field map, applying
// the approximate MAXLEN trim when retention is enabled.
func (b *Bus) xAddArgs(values map[string]interface{}) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: values,
	}
	if b.cfg.MaxStreamLen > 0 {
		args.MaxLen = b.cfg.MaxStreamLen
		args.Approx = true
	}
	return args
}

// Publish validates the event, appends it to the stream and returns the
// store-assigned entry ID. Redacted previews longer than PreviewMaxLen are
// clamped before the payload is built. When a Forwarder is configured the
// event is also mirrored to it asynchronously; forward failures go to
// ErrorFunc and never affect the publish result.
//
// Publish never retries: on transport failure it returns ("", err) and the
// caller decides. It never panics.
//
// Parameters:
//   - ctx: The context for the append round trip.
//   - ev: The event; run it through NewInvocationEvent first to fill
//     creation defaults.
//
// Returns:
//   - string: The assigned entry ID, strictly greater than every ID
//     assigned before it on this stream.
//   - error: ErrClosed, ErrRateLimited, a *ValidationError, or a wrapped
//     transport error.
func (b *Bus) Publish(ctx context.Context, ev InvocationEvent) (string, error) {
	if b.closed.Load() {
		return "", ErrClosed
	}
	if err := ev.Validate(); err != nil {
		b.metrics.PublishFailed("invalid")
		return "", err
	}
	if b.limiter != nil && !b.limiter.Allow() {
		b.metrics.PublishFailed("rate_limited")
		log.Printf("insights.Bus: publish rate limit exceeded, dropping invocation %s", ev.InvocationID)
		return "", ErrRateLimited
	}
	ev.PromptRedacted = ClampPreview(ev.PromptRedacted)
	ev.OutputRedacted = ClampPreview(ev.OutputRedacted)

	values, err := b.entryValues(&ev)
	if err != nil {
		b.metrics.PublishFailed("encode")
		return "", fmt.Errorf("insights: %w", err)
	}
	id, err := b.rdb.XAdd(ctx, b.xAddArgs(values)).Result()
	if err != nil {
		b.metrics.PublishFailed("transport")
		b.reportError(err, &ev)
		log.Printf("insights.Bus: publish failed for invocation %s: %v", ev.InvocationID, err)
		return "", fmt.Errorf("insights: append entry: %w", err)
	}
	b.metrics.EventPublished(string(ev.Tier), string(ev.Status))
	if b.cfg.Forwarder != nil {
		b.forward(ev)
	}
	return id, nil
}

// forward mirrors one published event to the configured Forwarder without
// blocking the publisher.
func (b *Bus) forward(ev InvocationEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.cfg.Forwarder.Forward(ctx, &ev); err != nil {
			b.reportError(fmt.Errorf("forward invocation %s: %w", ev.InvocationID, err), &ev)
			log.Printf("insights.Bus: forward failed for invocation %s: %v", ev.InvocationID, err)
		}
	}()
}

// PublishBatch appends several events in one pipelined round trip and
// returns a result per event, in input order. Events that fail validation
// or encoding are reported in their slot and excluded from the pipeline;
// the rest are appended in input order, so their assigned IDs are strictly
// increasing. A transport failure surfaces in the slot of every pipelined
// event.
//
// The publish rate limit, when configured, is charged once for the whole
// batch; an over-limit batch is rejected whole with ErrRateLimited in every
// slot.
func (b *Bus) PublishBatch(ctx context.Context, evs []InvocationEvent) []PublishResult {
	results := make([]PublishResult, len(evs))
	if b.closed.Load() {
		for i := range results {
			results[i].Err = ErrClosed
		}
		return results
	}
	if len(evs) == 0 {
		return results
	}
	if b.limiter != nil && !b.limiter.AllowN(time.Now(), len(evs)) {
		b.metrics.PublishFailed("rate_limited")
		for i := range results {
			results[i].Err = ErrRateLimited
		}
		return results
	}

	pipe := b.rdb.TxPipeline()
	cmds := make([]*redis.StringCmd, len(evs))
	for i := range evs {
		ev := evs[i]
		if err := ev.Validate(); err != nil {
			b.metrics.PublishFailed("invalid")
			results[i].Err = err
			continue
		}
		ev.PromptRedacted = ClampPreview(ev.PromptRedacted)
		ev.OutputRedacted = ClampPreview(ev.OutputRedacted)
		values, err := b.entryValues(&ev)
		if err != nil {
			b.metrics.PublishFailed("encode")
			results[i].Err = fmt.Errorf("insights: %w", err)
			continue
		}
		cmds[i] = pipe.XAdd(ctx, b.xAddArgs(values))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("insights.Bus: batch publish failed: %v", err)
	}
	for i := range evs {
		if cmds[i] == nil {
			continue
		}
		id, err := cmds[i].Result()
		if err != nil {
			b.metrics.PublishFailed("transport")
			b.reportError(err, &evs[i])
			results[i].Err = fmt.Errorf("insights: append entry: %w", err)
			continue
		}
		results[i].ID = id
		b.metrics.EventPublished(string(evs[i].Tier), string(evs[i].Status))
		if b.cfg.Forwarder != nil {
			b.forward(evs[i])
		}
	}
	return results
}

// EnsureConsumerGroup creates the consumer group at the start of the
// stream, creating the stream itself if it does not exist. Safe to call
// from any number of processes; an already-existing group is not an error
// and the group cursor is never reset.
func (b *Bus) EnsureConsumerGroup(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.rdb.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("insights: create consumer group %s: %w", b.cfg.Group, err)
	}
	return nil
}

// Consume runs the delivery loop for this bus's consumer group until ctx is
// cancelled. Each iteration first reclaims entries that have been pending
// on any consumer in the group for longer than ClaimMinIdle, then reads new
// entries with a bounded blocking read so cancellation is observed promptly.
//
// Every delivered entry is decoded and handed to handler. On success the
// entry is acknowledged; on failure it stays pending for redelivery.
// Entries that cannot be decoded are logged, counted and skipped without
// acknowledgement. A handler panic is contained and treated as a failure.
// Transport read errors are retried with exponential backoff and never
// terminate the loop.
//
// Returns nil on cancellation, ErrAlreadyConsuming when a Consume is
// already running on this instance, or ErrClosed.
func (b *Bus) Consume(ctx context.Context, handler Handler) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if handler == nil {
		return errors.New("insights: nil handler")
	}
	if !b.state.CompareAndSwap(stateIdle, stateConsuming) {
		return ErrAlreadyConsuming
	}
	defer b.state.Store(stateIdle)

	if err := b.EnsureConsumerGroup(ctx); err != nil {
		return err
	}
	log.Printf("insights.Bus: consuming stream %s as %s in group %s",
		b.cfg.Stream, b.cfg.Consumer, b.cfg.Group)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if b.closed.Load() {
			return ErrClosed
		}

		claimed, err := b.reclaimPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.metrics.ReadError(b.cfg.Group)
			b.reportError(fmt.Errorf("reclaim pending: %w", err), nil)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		for i := range claimed {
			if ctx.Err() != nil {
				return nil
			}
			b.processEntry(ctx, handler, &claimed[i])
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Blocking read timed out with nothing new.
				bo.Reset()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			b.metrics.ReadError(b.cfg.Group)
			b.reportError(fmt.Errorf("read group: %w", err), nil)
			log.Printf("insights.Bus: read failed, backing off: %v", err)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo.Reset()
		for _, stream := range streams {
			for i := range stream.Messages {
				if ctx.Err() != nil {
					return nil
				}
				b.processEntry(ctx, handler, &stream.Messages[i])
			}
		}
	}
}

// reclaimPending transfers to this consumer the group's entries that have
// been idle past ClaimMinIdle, so work abandoned by a crashed consumer is
// redelivered instead of stranded.
func (b *Bus) reclaimPending(ctx context.Context) ([]redis.XMessage, error) {
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  b.cfg.ClaimBatch,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= b.cfg.ClaimMinIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   b.cfg.Stream,
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  b.cfg.ClaimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	for range claimed {
		b.metrics.EntryReclaimed(b.cfg.Group)
	}
	if len(claimed) > 0 {
		log.Printf("insights.Bus: reclaimed %d pending entries in group %s", len(claimed), b.cfg.Group)
	}
	return claimed, nil
}

// processEntry decodes one raw stream message and runs the handler,
// acknowledging on success. Parse failures are logged and skipped without
// acknowledgement; handler failures leave the entry pending.
func (b *Bus) processEntry(ctx context.Context, handler Handler, msg *redis.XMessage) {
	entry, err := b.parseEntry(msg.ID, msg.Values)
	if err != nil {
		b.metrics.ParseError(b.cfg.Group)
		b.reportError(err, nil)
		log.Printf("insights.Bus: skipping undecodable entry %s: %v", msg.ID, err)
		return
	}
	b.metrics.EntryProcessed(b.cfg.Group)

	start := time.Now()
	err = b.invokeHandler(ctx, handler, entry)
	b.metrics.HandlerLatency(b.cfg.Group, time.Since(start))
	if err != nil {
		b.reportError(fmt.Errorf("handle entry %s: %w", entry.ID, err), entry.Event)
		return
	}
	if err := b.rdb.XAck(ctx, b.cfg.Stream, b.cfg.Group, entry.ID).Err(); err != nil {
		b.reportError(fmt.Errorf("ack entry %s: %w", entry.ID, err), entry.Event)
		log.Printf("insights.Bus: ack failed for entry %s: %v", entry.ID, err)
		return
	}
	b.metrics.EntryAcked(b.cfg.Group)
}

// invokeHandler calls the handler with panic containment, so one bad entry
// cannot take down the consume loop.
func (b *Bus) invokeHandler(ctx context.Context, handler Handler, entry *StreamEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on entry %s: %v", entry.ID, r)
			log.Printf("insights.Bus: %v", err)
		}
	}()
	return handler(ctx, entry)
}

// parseEntry decodes one raw field map into a StreamEntry: resolve the
// decoder by type tag, decrypt the payload if the entry is marked
// encrypted, then hand off to the decoder.
func (b *Bus) parseEntry(id string, values map[string]interface{}) (*StreamEntry, error) {
	typeTag := stringField(values, fieldType)
	if typeTag == "" {
		return nil, &ParseError{EntryID: id, Err: errors.New("missing type field")}
	}
	dec := lookupEntryDecoder(typeTag)
	if dec == nil {
		return nil, &ParseError{EntryID: id, Err: fmt.Errorf("no decoder for entry type %q", typeTag)}
	}
	raw := stringField(values, fieldData)
	if raw == "" {
		return nil, &ParseError{EntryID: id, Err: errors.New("missing data field")}
	}
	payload := []byte(raw)
	if enc := stringField(values, fieldEncoding); enc != "" {
		if enc != encodingAESGCM {
			return nil, &ParseError{EntryID: id, Err: fmt.Errorf("unknown payload encoding %q", enc)}
		}
		if b.cipher == nil {
			return nil, &ParseError{EntryID: id, Err: errors.New("encrypted entry but no encryption key configured")}
		}
		plain, err := b.cipher.Decrypt(raw)
		if err != nil {
			return nil, &ParseError{EntryID: id, Err: fmt.Errorf("decrypt payload: %w", err)}
		}
		payload = plain
	}
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if k == fieldData {
			continue
		}
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return dec(id, payload, fields)
}

// Replay walks the stream from fromID in insertion order, invoking handler
// for every matching entry. Replay reads the stream directly: it never
// moves the consumer-group cursor, never touches pending entries, and does
// not acknowledge anything, so it is safe to run beside live consumers.
//
// Entries that cannot be decoded are counted and skipped. The first handler
// error aborts the replay and is returned along with the count delivered so
// far.
//
// Parameters:
//   - ctx: The context; checked between entries.
//   - fromID: Inclusive starting entry ID; "" or "0" means the start of the
//     stream, "-" is accepted as an alias.
//   - handler: Invoked once per matching entry, in order.
//   - opts: WithReplayTo, WithReplayLimit, WithReplayFilter.
//
// Returns:
//   - int: The number of entries delivered to the handler.
//   - error: The handler's error, an access-control rejection, or a wrapped
//     transport error.
func (b *Bus) Replay(ctx context.Context, fromID string, handler Handler, opts ...ReplayOption) (int, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	if handler == nil {
		return 0, errors.New("insights: nil handler")
	}
	if err := b.authorize(ctx, "replay"); err != nil {
		return 0, err
	}
	var o replayOptions
	for _, opt := range opts {
		opt(&o)
	}
	start := fromID
	if start == "" || start == "0" {
		start = "-"
	}
	end := o.toID
	if end == "" {
		end = "+"
	}
	pageSize := b.cfg.ReplayPageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	delivered := 0
	for {
		page, err := b.rdb.XRangeN(ctx, b.cfg.Stream, start, end, pageSize).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return delivered, nil
			}
			return delivered, fmt.Errorf("insights: replay range: %w", err)
		}
		for i := range page {
			if err := ctx.Err(); err != nil {
				return delivered, err
			}
			msg := &page[i]
			if !o.filter.empty() && !o.filter.matches(msg.Values) {
				continue
			}
			entry, err := b.parseEntry(msg.ID, msg.Values)
			if err != nil {
				b.metrics.ParseError("replay")
				log.Printf("insights.Bus: replay skipping undecodable entry %s: %v", msg.ID, err)
				continue
			}
			if err := handler(ctx, entry); err != nil {
				return delivered, err
			}
			delivered++
			if o.limit > 0 && delivered >= o.limit {
				return delivered, nil
			}
		}
		if len(page) < int(pageSize) {
			return delivered, nil
		}
		// Resume strictly after the last entry of this page.
		start = nextEntryID(page[len(page)-1].ID)
	}
}

// EventsForRun returns every event of one workflow run, in invocation
// order, decoded. A limit of zero means unlimited.
func (b *Bus) EventsForRun(ctx context.Context, runID string, limit int) ([]*InvocationEvent, error) {
	if runID == "" {
		return nil, errors.New("insights: empty run ID")
	}
	if err := b.authorize(ctx, "events_for_run"); err != nil {
		return nil, err
	}
	var events []*InvocationEvent
	_, err := b.Replay(ctx, "0", func(_ context.Context, entry *StreamEntry) error {
		events = append(events, entry.Event)
		return nil
	}, WithReplayFilter(ReplayFilter{RunID: runID}), WithReplayLimit(limit))
	if err != nil {
		return nil, err
	}
	return events, nil
}

// authorize runs the configured access-control hook for read-side
// operations. A nil hook allows everything.
func (b *Bus) authorize(ctx context.Context, action string) error {
	if b.cfg.AccessControl == nil {
		return nil
	}
	if err := b.cfg.AccessControl(ctx, action); err != nil {
		return fmt.Errorf("insights: access denied for %s: %w", action, err)
	}
	return nil
}

// HealthCheck reports whether the stream store is reachable, the round-trip
// latency of a ping, and the current stream length. It never returns an
// error; failures are reported in the Health struct.
func (b *Bus) HealthCheck(ctx context.Context) Health {
	var h Health
	start := time.Now()
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		h.Error = err.Error()
		return h
	}
	h.Latency = time.Since(start)
	length, err := b.rdb.XLen(ctx, b.cfg.Stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Error = err.Error()
		return h
	}
	h.StreamLength = length
	h.Healthy = true
	return h
}

// StreamInfo returns a snapshot of the stream: length, oldest and newest
// entry IDs, and the number of consumer groups. A stream that does not
// exist yet yields a zeroed snapshot and no error.
func (b *Bus) StreamInfo(ctx context.Context) (StreamInfo, error) {
	var info StreamInfo
	length, err := b.rdb.XLen(ctx, b.cfg.Stream).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return info, fmt.Errorf("insights: stream length: %w", err)
	}
	info.Length = length
	if length == 0 {
		return info, nil
	}
	first, err := b.rdb.XRangeN(ctx, b.cfg.Stream, "-", "+", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return info, fmt.Errorf("insights: first entry: %w", err)
	}
	if len(first) > 0 {
		info.FirstEntryID = first[0].ID
	}
	last, err := b.rdb.XRevRangeN(ctx, b.cfg.Stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return info, fmt.Errorf("insights: last entry: %w", err)
	}
	if len(last) > 0 {
		info.LastEntryID = last[0].ID
	}
	// Group count is best effort; not every store build supports XINFO.
	if groups, err := b.rdb.XInfoGroups(ctx, b.cfg.Stream).Result(); err == nil {
		info.Groups = int64(len(groups))
	}
	return info, nil
}

// stringField extracts a string-typed field from a raw entry value map.
func stringField(values map[string]interface{}, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// nextEntryID returns the smallest entry ID strictly greater than id, used
// to page through XRANGE without re-reading the page boundary.
func nextEntryID(id string) string {
	i := strings.LastIndex(id, "-")
	if i < 0 {
		return id + "-1"
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return id + "-1"
	}
	return id[:i+1] + strconv.FormatUint(seq+1, 10)
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// sleep completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
