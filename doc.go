// Package insights provides a durable, replayable, multi-consumer event bus
// for AI model invocations. Every model call in the platform publishes one
// InvocationEvent to a shared stream; audit, billing and analytics workers
// consume the stream independently with at-least-once delivery. The stream
// store (Redis Streams) owns durability, ordering, group cursors and
// pending-entry bookkeeping, so any number of processes can publish and
// consume concurrently without coordination beyond their group names.
//
// Core Concepts:
//
//   - InvocationEvent: The unit of record, one AI model invocation. Events
//     are created once, validated before publish, and immutable on the
//     stream; corrections are new events. `NewInvocationEvent` fills
//     creation defaults (UUID, timestamp, SUCCESS status, trace/span IDs
//     from the caller's context).
//
//   - StreamEntry: The wire-level wrapper: the store-assigned monotonic
//     entry ID, the entry type tag, the decoded event and the flat field
//     map. Entry IDs totally order a stream and double as replay cursors.
//
//   - Handler: A `Handler` is a function type
//     `func(ctx context.Context, entry *StreamEntry) error`. Returning nil
//     acknowledges the entry; returning an error leaves it pending for
//     redelivery. Delivery is at-least-once, so handlers must be
//     idempotent.
//
//   - BusConfig: Holds all tunables (stream and group names, retention
//     cap, read batch size, block timeout, reclaim threshold, rate limit,
//     metrics, forwarder, access control, encryption). `DefaultBusConfig()`
//     provides production defaults; `LoadConfigFromEnv()` overlays
//     INSIGHTS_* environment variables.
//
// Key Features:
//
//  1. Publishing:
//     `Publish` validates the event, clamps redacted previews, appends the
//     entry with an approximate MAXLEN trim, and returns the assigned entry
//     ID. `PublishBatch` appends several events in one pipelined round
//     trip with per-event results. An optional rate limit rejects
//     over-limit publishes with `ErrRateLimited`.
//
//  2. Consumer Groups:
//     `EnsureConsumerGroup` creates the group idempotently from the start
//     of the stream. `Consume` runs the delivery loop: reclaim entries
//     pending on crashed consumers past `ClaimMinIdle`, read new entries
//     with a bounded blocking read, decode, hand to the handler, and
//     acknowledge on success. Undecodable entries are counted and skipped;
//     handler panics are contained; transport read errors back off
//     exponentially and never terminate the loop.
//
//  3. Replay:
//     `Replay` walks the stream from any entry ID in insertion order
//     without touching group cursors or pending entries, with optional
//     bounds, limits and equality filters on the flat fields (run, tier,
//     governance mode). `EventsForRun` returns one workflow run's events
//     in invocation order. Replay of the same range yields the same
//     entries in the same order.
//
//  4. Health and Introspection:
//     `HealthCheck` reports store reachability, round-trip latency and
//     stream length. `StreamInfo` snapshots length, first/last entry IDs
//     and the consumer-group count, yielding a zeroed snapshot for a
//     stream that does not exist yet.
//
//  5. Metrics:
//     The `BusMetrics` interface counts publishes, failures, deliveries,
//     acks, reclaims, parse errors and read errors, and observes handler
//     latency. `PrometheusMetrics` is the production implementation;
//     `nopMetrics` is the default.
//
//  6. Forwarding:
//     The `Forwarder` interface mirrors every published event to a
//     secondary transport. `KafkaForwarder` sends events to a Kafka topic
//     keyed by project, with retries. Forward failures are reported via
//     `ErrorFunc` and never affect the publish result.
//
//  7. Downstream Sinks:
//     `NewArchiveHandler` batches LIVE events into a SQL table
//     (`SetupArchive` creates it) with retry and idempotent inserts.
//     `JournalHandler` writes JSON-line records to a rotating file.
//     `CostAggregator` folds usage accounting into per-project, per-tier
//     totals, deduplicating redelivered invocations.
//
// Security and Data Integrity:
//
// Redacted previews on events are clamped to `PreviewMaxLen` runes at
// publish time; full content stays behind opaque refs and never rides the
// stream. `WithEncryptionKey` seals the JSON payload of every entry with
// AES-GCM at rest while the flat filter fields stay cleartext, so replay
// filtering keeps working; `GenerateAESKey` produces suitable keys.
// `WithAccessControl` gates replay and run queries.
//
// Schema Evolution:
//
// Every entry carries a `type` tag and a `schema_version` field next to
// its payload. `RegisterEntryDecoder` lets additional event kinds ride the
// same stream under their own tags without changes to the bus or the
// filter-field contract; the decoder rejects versions it does not
// understand instead of misparsing them.
//
// Usage Patterns:
//
// 1. Publishing from a model-serving path:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	bus, err := insights.NewBus(rdb, insights.LoadConfigFromEnv())
//	if err != nil {
//	    log.Fatalf("Failed to create bus: %v", err)
//	}
//	defer bus.Close()
//
//	ev := insights.NewInvocationEvent(ctx, insights.InvocationEvent{
//	    GovernanceMode: insights.GovernanceLive,
//	    ProjectID:      "proj-7",
//	    Caller:         insights.CallerOrchestrator,
//	    Tier:           insights.TierMini,
//	    Provider:       "openai",
//	    Model:          "gpt-4o-mini",
//	    Usage:          &insights.Usage{InputTokens: 812, OutputTokens: 240, CostUSD: 0.0031, LatencyMS: 1180},
//	})
//	if _, err := bus.Publish(ctx, ev); err != nil {
//	    log.Printf("publish failed: %v", err)
//	}
//
// 2. Running the audit archive consumer:
//
//	db, _ := sql.Open("sqlite3", "./archive.db")
//	insights.SetupArchive(db)
//	handler, closeArchive := insights.NewArchiveHandler(db)
//	defer closeArchive()
//
//	consumer, _ := insights.NewBus(rdb, insights.WithGroup("audit-archive"))
//	go consumer.Consume(ctx, handler)
//
// 3. Replaying a run for an investigation:
//
//	events, err := bus.EventsForRun(ctx, "run-42", 0)
//
// Concurrency:
//
// A Bus is safe for concurrent publishing from any number of goroutines.
// Consume runs at most once per Bus instance at a time; run one Bus per
// consumer goroutine, each with its own consumer name. Cancellation is
// cooperative via the context passed to Consume, which is observed between
// entries and bounded blocking reads; in-flight handler calls are never
// aborted.
//
// Error Handling:
//
// Synchronous failures come back as explicit error returns (`ErrClosed`,
// `ErrRateLimited`, `ErrAlreadyConsuming`, `*ValidationError`,
// `*ParseError`, wrapped transport errors). Asynchronous failures inside
// the consume loop and the forwarder are reported through the configured
// `ErrorFunc` and counted in metrics.
package insights
