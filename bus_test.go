package insights

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

const (
	testStream = "insights:test"
	testGroup  = "test-consumers"
)

func newTestClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func newTestBus(t *testing.T, mr *miniredis.Miniredis, opts ...BusOption) *Bus {
	t.Helper()
	base := []BusOption{
		WithStream(testStream),
		WithGroup(testGroup),
		WithBlockTimeout(50 * time.Millisecond),
	}
	bus, err := NewBus(newTestClient(t, mr), append(base, opts...)...)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })
	return bus
}

func testEvent(invocationID, runID string, tier Tier) InvocationEvent {
	return InvocationEvent{
		InvocationID:   invocationID,
		Timestamp:      time.Now().UTC(),
		GovernanceMode: GovernanceLive,
		ProjectID:      "proj-7",
		Caller:         CallerWorker,
		Tier:           tier,
		Provider:       "anthropic",
		Model:          "claude-sonnet",
		Status:         StatusSuccess,
		RunID:          runID,
	}
}

// startConsume runs bus.Consume in the background and registers a cleanup
// that cancels it and waits for the loop to stop.
func startConsume(t *testing.T, bus *Bus, h Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bus.Consume(ctx, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("Consume returned unexpected error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("Consume did not stop after cancellation")
		}
	})
	return cancel
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func pendingCount(t *testing.T, rdb *redis.Client, group string) int64 {
	t.Helper()
	p, err := rdb.XPending(context.Background(), testStream, group).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0
		}
		t.Fatalf("Failed to read pending summary: %v", err)
	}
	return p.Count
}

func TestPublishAppendsInOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := bus.Publish(ctx, testEvent(fmt.Sprintf("inv-%d", i), "run-42", TierMini))
		if err != nil {
			t.Fatalf("Failed to publish event %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if ids[0] == ids[1] || ids[1] == ids[2] {
		t.Errorf("Expected distinct entry IDs, got %v", ids)
	}

	var replayed []string
	n, err := bus.Replay(ctx, "0", func(_ context.Context, e *StreamEntry) error {
		replayed = append(replayed, e.Event.InvocationID)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	if n != 3 {
		t.Fatalf("Expected 3 replayed entries, got %d", n)
	}
	for i, want := range []string{"inv-0", "inv-1", "inv-2"} {
		if replayed[i] != want {
			t.Errorf("Expected %s at position %d, got %s", want, i, replayed[i])
		}
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	ev := testEvent("inv-1", "", TierMini)
	ev.ProjectID = ""
	_, err := bus.Publish(ctx, ev)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}

	info, err := bus.StreamInfo(ctx)
	if err != nil {
		t.Fatalf("Failed to get stream info: %v", err)
	}
	if info.Length != 0 {
		t.Errorf("Expected nothing appended, stream length %d", info.Length)
	}
}

func TestPublishClampsPreviews(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	ev := testEvent("inv-1", "", TierNano)
	ev.PromptRedacted = strings.Repeat("x", PreviewMaxLen+200)
	if _, err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	_, err := bus.Replay(ctx, "0", func(_ context.Context, e *StreamEntry) error {
		if len(e.Event.PromptRedacted) != PreviewMaxLen {
			t.Errorf("Expected preview clamped to %d, got %d", PreviewMaxLen, len(e.Event.PromptRedacted))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
}

func TestPublishBatch(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	bad := testEvent("inv-bad", "", TierMini)
	bad.Model = ""
	evs := []InvocationEvent{
		testEvent("inv-0", "run-1", TierNano),
		bad,
		testEvent("inv-1", "run-1", TierMini),
		testEvent("inv-2", "run-1", TierFrontier),
	}
	results := bus.PublishBatch(ctx, evs)
	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}
	if results[1].Err == nil {
		t.Error("Expected validation failure in slot 1")
	}
	for _, i := range []int{0, 2, 3} {
		if results[i].Err != nil {
			t.Errorf("Expected success in slot %d, got: %v", i, results[i].Err)
		}
		if results[i].ID == "" {
			t.Errorf("Expected entry ID in slot %d", i)
		}
	}

	var order []string
	if _, err := bus.Replay(ctx, "0", func(_ context.Context, e *StreamEntry) error {
		order = append(order, e.Event.InvocationID)
		return nil
	}); err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	want := []string{"inv-0", "inv-1", "inv-2"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %s at position %d, got %s", want[i], i, order[i])
		}
	}
}

func TestConsumeDeliversAndAcks(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	rdb := newTestClient(t, mr)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := bus.Publish(ctx, testEvent(fmt.Sprintf("inv-%d", i), "run-42", TierMini)); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	var mu sync.Mutex
	var got []string
	startConsume(t, bus, func(_ context.Context, e *StreamEntry) error {
		mu.Lock()
		got = append(got, e.Event.InvocationID)
		mu.Unlock()
		return nil
	})

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, "Expected 3 entries delivered")
	waitFor(t, 3*time.Second, func() bool {
		return pendingCount(t, rdb, testGroup) == 0
	}, "Expected all entries acknowledged")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []string{"inv-0", "inv-1", "inv-2"} {
		if got[i] != want {
			t.Errorf("Expected %s at position %d, got %s", want, i, got[i])
		}
	}
}

func TestNoRedeliveryAfterAck(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	rdb := newTestClient(t, mr)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	delivered := make(chan string, 10)
	cancel := startConsume(t, bus, func(_ context.Context, e *StreamEntry) error {
		delivered <- e.Event.InvocationID
		return nil
	})
	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected first delivery")
	}
	waitFor(t, 3*time.Second, func() bool {
		return pendingCount(t, rdb, testGroup) == 0
	}, "Expected entry acknowledged")
	cancel()

	// A fresh consumer in the same group must not see the acked entry.
	second := newTestBus(t, mr, WithConsumerName("second"))
	startConsume(t, second, func(_ context.Context, e *StreamEntry) error {
		delivered <- e.Event.InvocationID
		return nil
	})
	select {
	case id := <-delivered:
		t.Errorf("Expected no redelivery after ack, got %s", id)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestFailedHandlerLeavesEntryPending(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	rdb := newTestClient(t, mr)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	delivered := make(chan struct{}, 10)
	startConsume(t, bus, func(_ context.Context, e *StreamEntry) error {
		delivered <- struct{}{}
		return fmt.Errorf("handler failure")
	})
	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected delivery")
	}
	waitFor(t, 3*time.Second, func() bool {
		return pendingCount(t, rdb, testGroup) == 1
	}, "Expected failed entry to stay pending")
}

func TestReclaimFromCrashedConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr, WithClaimMinIdle(50*time.Millisecond), WithConsumerName("survivor"))
	rdb := newTestClient(t, mr)
	ctx := context.Background()

	if err := bus.EnsureConsumerGroup(ctx); err != nil {
		t.Fatalf("Failed to ensure group: %v", err)
	}
	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	// Simulate a consumer that read the entry and died before acking.
	_, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    testGroup,
		Consumer: "crashed",
		Streams:  []string{testStream, ">"},
		Count:    1,
	}).Result()
	if err != nil {
		t.Fatalf("Failed to read as crashed consumer: %v", err)
	}
	if n := pendingCount(t, rdb, testGroup); n != 1 {
		t.Fatalf("Expected 1 pending entry, got %d", n)
	}

	time.Sleep(100 * time.Millisecond) // Let the entry cross the idle threshold.

	delivered := make(chan string, 10)
	startConsume(t, bus, func(_ context.Context, e *StreamEntry) error {
		delivered <- e.Event.InvocationID
		return nil
	})
	select {
	case id := <-delivered:
		if id != "inv-1" {
			t.Errorf("Expected inv-1 reclaimed, got %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected abandoned entry to be reclaimed and delivered")
	}
	waitFor(t, 3*time.Second, func() bool {
		return pendingCount(t, rdb, testGroup) == 0
	}, "Expected reclaimed entry acknowledged")
}

func TestGroupIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	audit := newTestBus(t, mr, WithGroup("audit"))
	billing := newTestBus(t, mr, WithGroup("billing"))

	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	auditCh := make(chan string, 10)
	billingCh := make(chan string, 10)
	startConsume(t, audit, func(_ context.Context, e *StreamEntry) error {
		auditCh <- e.Event.InvocationID
		return nil
	})
	startConsume(t, billing, func(_ context.Context, e *StreamEntry) error {
		billingCh <- e.Event.InvocationID
		return nil
	})

	for name, ch := range map[string]chan string{"audit": auditCh, "billing": billingCh} {
		select {
		case id := <-ch:
			if id != "inv-1" {
				t.Errorf("Expected inv-1 in group %s, got %s", name, id)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("Expected group %s to receive the event", name)
		}
	}
}

func TestMalformedEntrySkipped(t *testing.T) {
	mr := miniredis.RunT(t)

	var mu sync.Mutex
	var reported []error
	bus := newTestBus(t, mr, WithErrorFunc(func(err error, _ *InvocationEvent) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	rdb := newTestClient(t, mr)
	ctx := context.Background()

	// A foreign entry with no recognizable shape lands on the stream.
	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: testStream,
		Values: map[string]interface{}{"garbage": "yes"},
	}).Err(); err != nil {
		t.Fatalf("Failed to add garbage entry: %v", err)
	}
	if _, err := bus.Publish(ctx, testEvent("inv-ok", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	delivered := make(chan string, 10)
	startConsume(t, bus, func(_ context.Context, e *StreamEntry) error {
		delivered <- e.Event.InvocationID
		return nil
	})

	select {
	case id := <-delivered:
		if id != "inv-ok" {
			t.Errorf("Expected inv-ok delivered, got %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Expected the valid entry to be delivered despite the malformed one")
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, err := range reported {
		var perr *ParseError
		if errors.As(err, &perr) {
			found = true
		}
	}
	if !found {
		t.Error("Expected a parse error to be reported for the malformed entry")
	}
}

func TestReplayFilterAndPagination(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr, WithReplayPageSize(2))
	ctx := context.Background()

	tiers := []Tier{TierNano, TierFrontier, TierMini, TierFrontier, TierNano, TierFrontier, TierMini}
	for i, tier := range tiers {
		runID := "run-a"
		if i%2 == 0 {
			runID = "run-b"
		}
		if _, err := bus.Publish(ctx, testEvent(fmt.Sprintf("inv-%d", i), runID, tier)); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	replayIDs := func() []string {
		var ids []string
		_, err := bus.Replay(ctx, "0", func(_ context.Context, e *StreamEntry) error {
			ids = append(ids, e.Event.InvocationID)
			return nil
		}, WithReplayFilter(ReplayFilter{Tier: TierFrontier}))
		if err != nil {
			t.Fatalf("Failed to replay: %v", err)
		}
		return ids
	}

	first := replayIDs()
	want := []string{"inv-1", "inv-3", "inv-5"}
	if len(first) != len(want) {
		t.Fatalf("Expected %d FRONTIER entries, got %d", len(want), len(first))
	}
	for i := range want {
		if first[i] != want[i] {
			t.Errorf("Expected %s at position %d, got %s", want[i], i, first[i])
		}
	}

	// Replaying the same range again yields the same entries in the same order.
	second := replayIDs()
	for i := range first {
		if second[i] != first[i] {
			t.Fatalf("Expected deterministic replay, run 1 %v vs run 2 %v", first, second)
		}
	}

	// Replay reads the stream directly and must not create pending entries.
	rdb := newTestClient(t, mr)
	if err := bus.EnsureConsumerGroup(ctx); err != nil {
		t.Fatalf("Failed to ensure group: %v", err)
	}
	if n := pendingCount(t, rdb, testGroup); n != 0 {
		t.Errorf("Expected replay to leave no pending entries, got %d", n)
	}

	// Limits cap the delivered count.
	n, err := bus.Replay(ctx, "0", func(_ context.Context, _ *StreamEntry) error { return nil },
		WithReplayLimit(2))
	if err != nil {
		t.Fatalf("Failed to replay with limit: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected limit of 2 delivered entries, got %d", n)
	}
}

func TestEventsForRun(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-other", "run-1", TierNano)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	target := testEvent("inv-target", "run-42", TierMini)
	if _, err := bus.Publish(ctx, target); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	events, err := bus.EventsForRun(ctx, "run-42", 0)
	if err != nil {
		t.Fatalf("Failed to query run: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 event for run-42, got %d", len(events))
	}
	got := events[0]
	if got.InvocationID != "inv-target" || got.Status != StatusSuccess ||
		got.Tier != TierMini || got.GovernanceMode != GovernanceLive {
		t.Errorf("Unexpected event for run-42: %+v", got)
	}
}

func TestMaxStreamLenTrims(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr, WithMaxStreamLen(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := bus.Publish(ctx, testEvent(fmt.Sprintf("inv-%d", i), "", TierMini)); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	info, err := bus.StreamInfo(ctx)
	if err != nil {
		t.Fatalf("Failed to get stream info: %v", err)
	}
	if info.Length != 3 {
		t.Errorf("Expected stream trimmed to 3 entries, got %d", info.Length)
	}

	var ids []string
	if _, err := bus.Replay(ctx, "0", func(_ context.Context, e *StreamEntry) error {
		ids = append(ids, e.Event.InvocationID)
		return nil
	}); err != nil {
		t.Fatalf("Failed to replay: %v", err)
	}
	for _, id := range ids {
		if id == "inv-0" || id == "inv-1" {
			t.Errorf("Expected oldest entries trimmed, found %s", id)
		}
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	key, err := GenerateAESKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	bus := newTestBus(t, mr, WithEncryptionKey(key))
	rdb := newTestClient(t, mr)
	ctx := context.Background()

	ev := testEvent("inv-secret", "run-9", TierFrontier)
	ev.PromptRedacted = "patient presented with"
	if _, err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	// The raw payload on the wire must not contain cleartext, while the
	// filter fields stay readable.
	raw, err := rdb.XRange(ctx, testStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("Failed to read raw entries: %v", err)
	}
	if len(raw) != 1 {
		t.Fatalf("Expected 1 raw entry, got %d", len(raw))
	}
	data, _ := raw[0].Values[fieldData].(string)
	if strings.Contains(data, "patient") || strings.Contains(data, "inv-secret") {
		t.Error("Expected payload to be encrypted at rest")
	}
	if got, _ := raw[0].Values[fieldTier].(string); got != "FRONTIER" {
		t.Errorf("Expected cleartext tier filter field, got %q", got)
	}

	// Replay through the keyed bus decrypts transparently.
	events, err := bus.EventsForRun(ctx, "run-9", 0)
	if err != nil {
		t.Fatalf("Failed to query run: %v", err)
	}
	if len(events) != 1 || events[0].PromptRedacted != "patient presented with" {
		t.Fatalf("Expected decrypted event, got %+v", events)
	}

	// A bus without the key cannot decode the entry and skips it.
	plain := newTestBus(t, mr)
	n, err := plain.Replay(ctx, "0", func(_ context.Context, _ *StreamEntry) error { return nil })
	if err != nil {
		t.Fatalf("Failed to replay without key: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected keyless bus to skip encrypted entries, delivered %d", n)
	}
}

func TestHealthCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	h := bus.HealthCheck(ctx)
	if !h.Healthy {
		t.Errorf("Expected healthy bus, got error %q", h.Error)
	}
	if h.StreamLength != 1 {
		t.Errorf("Expected stream length 1, got %d", h.StreamLength)
	}

	mr.Close()
	h = bus.HealthCheck(ctx)
	if h.Healthy {
		t.Error("Expected unhealthy bus after store shutdown")
	}
	if h.Error == "" {
		t.Error("Expected error detail after store shutdown")
	}
}

func TestStreamInfo(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	info, err := bus.StreamInfo(ctx)
	if err != nil {
		t.Fatalf("Failed to get info for missing stream: %v", err)
	}
	if info.Length != 0 || info.FirstEntryID != "" || info.LastEntryID != "" {
		t.Errorf("Expected zeroed info for missing stream, got %+v", info)
	}

	first, err := bus.Publish(ctx, testEvent("inv-0", "", TierMini))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	last, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini))
	if err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	info, err = bus.StreamInfo(ctx)
	if err != nil {
		t.Fatalf("Failed to get stream info: %v", err)
	}
	if info.Length != 2 {
		t.Errorf("Expected length 2, got %d", info.Length)
	}
	if info.FirstEntryID != first || info.LastEntryID != last {
		t.Errorf("Expected boundaries %s..%s, got %s..%s", first, last, info.FirstEntryID, info.LastEntryID)
	}
}

func TestCloseSemantics(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)
	ctx := context.Background()

	if err := bus.Close(); err != nil {
		t.Fatalf("Failed to close bus: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Errorf("Expected idempotent close, got: %v", err)
	}
	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from publish, got: %v", err)
	}
	if err := bus.Consume(ctx, func(context.Context, *StreamEntry) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from consume, got: %v", err)
	}
}

func TestConsumeIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr)

	startConsume(t, bus, func(context.Context, *StreamEntry) error { return nil })
	waitFor(t, time.Second, func() bool {
		return bus.state.Load() == stateConsuming
	}, "Expected first consume loop to start")

	err := bus.Consume(context.Background(), func(context.Context, *StreamEntry) error { return nil })
	if !errors.Is(err, ErrAlreadyConsuming) {
		t.Errorf("Expected ErrAlreadyConsuming, got: %v", err)
	}
}

func TestPublishRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr, WithRateLimit(1, 1))
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-0", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish within limit: %v", err)
	}
	if _, err := bus.Publish(ctx, testEvent("inv-1", "", TierMini)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got: %v", err)
	}
}

func TestReplayAccessControl(t *testing.T) {
	mr := miniredis.RunT(t)
	bus := newTestBus(t, mr, WithAccessControl(func(ctx context.Context, action string) error {
		if role, ok := ctx.Value(roleKey{}).(string); ok && role == "auditor" {
			return nil
		}
		return fmt.Errorf("access denied")
	}))
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-1", "run-1", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}

	_, err := bus.Replay(ctx, "0", func(context.Context, *StreamEntry) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("Expected access denied, got: %v", err)
	}

	auditorCtx := context.WithValue(ctx, roleKey{}, "auditor")
	n, err := bus.Replay(auditorCtx, "0", func(context.Context, *StreamEntry) error { return nil })
	if err != nil {
		t.Fatalf("Expected auditor replay to succeed, got: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 entry delivered, got %d", n)
	}
}

type roleKey struct{}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("INSIGHTS_STREAM", "env:stream")
	t.Setenv("INSIGHTS_GROUP", "env-group")
	t.Setenv("INSIGHTS_MAX_STREAM_LEN", "5000")
	t.Setenv("INSIGHTS_BLOCK_MS", "250")
	t.Setenv("INSIGHTS_CLAIM_IDLE_MS", "60000")
	t.Setenv("INSIGHTS_READ_COUNT", "not-a-number")

	cfg := DefaultBusConfig()
	LoadConfigFromEnv()(&cfg)

	if cfg.Stream != "env:stream" || cfg.Group != "env-group" {
		t.Errorf("Expected env stream and group, got %s/%s", cfg.Stream, cfg.Group)
	}
	if cfg.MaxStreamLen != 5000 {
		t.Errorf("Expected max stream len 5000, got %d", cfg.MaxStreamLen)
	}
	if cfg.BlockTimeout != 250*time.Millisecond {
		t.Errorf("Expected block timeout 250ms, got %v", cfg.BlockTimeout)
	}
	if cfg.ClaimMinIdle != time.Minute {
		t.Errorf("Expected claim idle 1m, got %v", cfg.ClaimMinIdle)
	}
	if cfg.ReadCount != DefaultBusConfig().ReadCount {
		t.Errorf("Expected malformed read count ignored, got %d", cfg.ReadCount)
	}
}

func TestPrometheusMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	reg := prometheus.NewRegistry()
	bus := newTestBus(t, mr, WithMetricsRegisterer(reg))
	ctx := context.Background()

	if _, err := bus.Publish(ctx, testEvent("inv-0", "", TierMini)); err != nil {
		t.Fatalf("Failed to publish: %v", err)
	}
	bad := testEvent("inv-1", "", TierMini)
	bad.Provider = ""
	if _, err := bus.Publish(ctx, bad); err == nil {
		t.Fatal("Expected validation failure")
	}

	if c, err := testutil.GatherAndCount(reg, "insights_events_published_total"); err != nil || c != 1 {
		t.Errorf("Expected 1 published series, got %d (err=%v)", c, err)
	}
	if c, err := testutil.GatherAndCount(reg, "insights_publish_failures_total"); err != nil || c != 1 {
		t.Errorf("Expected 1 failure series, got %d (err=%v)", c, err)
	}
}
