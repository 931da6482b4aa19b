package insights

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrorFunc receives asynchronous failures the bus cannot return to a
// caller: handler errors, ack failures, forward failures, read errors. The
// event involved is passed when one is known, nil otherwise. The callback
// must be safe for concurrent use.
type ErrorFunc func(err error, ev *InvocationEvent)

// BusConfig holds the tunable behavior of a Bus. Construct it through
// DefaultBusConfig and the With* options rather than by hand.
type BusConfig struct {
	// Stream is the stream key all events are appended to.
	Stream string
	// Group is the consumer group this bus consumes within.
	Group string
	// Consumer is this instance's name inside the group. Defaults to a
	// host-pid-timestamp name unique per process.
	Consumer string
	// MaxStreamLen caps retention with an approximate trim on every
	// append. Zero disables trimming; an unbounded stream trades memory
	// for audit completeness.
	MaxStreamLen int64
	// ReadCount is the max entries fetched per blocking read.
	ReadCount int64
	// BlockTimeout bounds each blocking read so cancellation is observed.
	BlockTimeout time.Duration
	// ClaimMinIdle is how long an entry must sit pending on any consumer
	// before another consumer may claim it. Must exceed the worst-case
	// handler duration or entries get processed twice routinely.
	ClaimMinIdle time.Duration
	// ClaimBatch is the max pending entries examined per reclaim pass.
	ClaimBatch int64
	// RateLimit caps publishes per second; zero disables limiting.
	// RateBurst is the token bucket size when limiting is on.
	RateLimit float64
	RateBurst int
	// ReplayPageSize is the page size for Replay range reads.
	ReplayPageSize int64

	// ErrorFunc receives asynchronous failures. Optional.
	ErrorFunc ErrorFunc
	// Metrics receives counters and latencies. Defaults to a no-op.
	Metrics BusMetrics
	// Forwarder mirrors every published event to a secondary transport.
	// Optional; owned by the bus once set (closed by Close).
	Forwarder Forwarder
	// AccessControl gates read-side operations (replay, run queries).
	// Optional; nil allows everything.
	AccessControl AccessControlFunc
	// EncryptionKey enables AES-GCM encryption of the payload at rest.
	// Must be 16, 24 or 32 bytes. Filter fields stay cleartext.
	EncryptionKey []byte
}

// DefaultBusConfig returns the production defaults.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Stream:         "insights:events",
		Group:          "insights-consumers",
		MaxStreamLen:   100000,
		ReadCount:      10,
		BlockTimeout:   5 * time.Second,
		ClaimMinIdle:   30 * time.Second,
		ClaimBatch:     100,
		ReplayPageSize: 100,
	}
}

// BusOption mutates a BusConfig during NewBus.
type BusOption func(*BusConfig)

// WithStream sets the stream key.
func WithStream(stream string) BusOption {
	return func(c *BusConfig) { c.Stream = stream }
}

// WithGroup sets the consumer group name. Distinct groups each receive
// every event; consumers within one group share it.
func WithGroup(group string) BusOption {
	return func(c *BusConfig) { c.Group = group }
}

// WithConsumerName sets this instance's name within the group. Names must
// be stable enough for pending-entry attribution but unique per live
// consumer.
func WithConsumerName(name string) BusOption {
	return func(c *BusConfig) { c.Consumer = name }
}

// WithMaxStreamLen caps retention via approximate trimming on append.
// Zero disables trimming.
func WithMaxStreamLen(n int64) BusOption {
	return func(c *BusConfig) { c.MaxStreamLen = n }
}

// WithReadCount sets the max entries per blocking read.
func WithReadCount(n int64) BusOption {
	return func(c *BusConfig) {
		if n > 0 {
			c.ReadCount = n
		}
	}
}

// WithBlockTimeout bounds each blocking read.
func WithBlockTimeout(d time.Duration) BusOption {
	return func(c *BusConfig) {
		if d > 0 {
			c.BlockTimeout = d
		}
	}
}

// WithClaimMinIdle sets the pending-idle threshold for reclaiming entries
// from crashed consumers.
func WithClaimMinIdle(d time.Duration) BusOption {
	return func(c *BusConfig) {
		if d > 0 {
			c.ClaimMinIdle = d
		}
	}
}

// WithClaimBatch sets the max pending entries examined per reclaim pass.
func WithClaimBatch(n int64) BusOption {
	return func(c *BusConfig) {
		if n > 0 {
			c.ClaimBatch = n
		}
	}
}

// WithRateLimit enables publish rate limiting: limit events per second
// with the given burst. Over-limit publishes fail with ErrRateLimited.
func WithRateLimit(limit float64, burst int) BusOption {
	return func(c *BusConfig) {
		c.RateLimit = limit
		c.RateBurst = burst
	}
}

// WithReplayPageSize sets the page size for replay range reads.
func WithReplayPageSize(n int64) BusOption {
	return func(c *BusConfig) {
		if n > 0 {
			c.ReplayPageSize = n
		}
	}
}

// WithErrorFunc installs the asynchronous failure callback.
func WithErrorFunc(fn ErrorFunc) BusOption {
	return func(c *BusConfig) { c.ErrorFunc = fn }
}

// WithMetrics installs a metrics implementation.
func WithMetrics(m BusMetrics) BusOption {
	return func(c *BusConfig) { c.Metrics = m }
}

// WithMetricsRegisterer installs Prometheus metrics registered against reg.
// Pass prometheus.DefaultRegisterer for the process-global registry.
func WithMetricsRegisterer(reg prometheus.Registerer) BusOption {
	return func(c *BusConfig) { c.Metrics = NewPrometheusMetrics(reg) }
}

// WithForwarder installs a secondary transport that mirrors every
// published event. The bus closes it on Close.
func WithForwarder(f Forwarder) BusOption {
	return func(c *BusConfig) { c.Forwarder = f }
}

// WithAccessControl gates replay and run queries.
func WithAccessControl(fn AccessControlFunc) BusOption {
	return func(c *BusConfig) { c.AccessControl = fn }
}

// WithEncryptionKey enables AES-GCM encryption of the payload at rest.
// The key must be 16, 24 or 32 bytes; NewBus rejects other lengths.
func WithEncryptionKey(key []byte) BusOption {
	return func(c *BusConfig) { c.EncryptionKey = key }
}

// LoadConfigFromEnv returns an option that overlays settings from
// INSIGHTS_* environment variables onto the config. Unset variables leave
// the existing value; malformed numeric values are logged and ignored.
//
// Recognized variables:
//   - INSIGHTS_STREAM: stream key.
//   - INSIGHTS_GROUP: consumer group name.
//   - INSIGHTS_CONSUMER: consumer name within the group.
//   - INSIGHTS_MAX_STREAM_LEN: retention cap (0 disables trimming).
//   - INSIGHTS_READ_COUNT: max entries per blocking read.
//   - INSIGHTS_BLOCK_MS: blocking read timeout in milliseconds.
//   - INSIGHTS_CLAIM_IDLE_MS: pending-idle reclaim threshold in
//     milliseconds.
//   - INSIGHTS_RATE_LIMIT: publishes per second (0 disables limiting).
func LoadConfigFromEnv() BusOption {
	return func(c *BusConfig) {
		if v := os.Getenv("INSIGHTS_STREAM"); v != "" {
			c.Stream = v
		}
		if v := os.Getenv("INSIGHTS_GROUP"); v != "" {
			c.Group = v
		}
		if v := os.Getenv("INSIGHTS_CONSUMER"); v != "" {
			c.Consumer = v
		}
		if v := os.Getenv("INSIGHTS_MAX_STREAM_LEN"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				c.MaxStreamLen = n
			} else {
				log.Printf("insights.Bus: ignoring INSIGHTS_MAX_STREAM_LEN=%q", v)
			}
		}
		if v := os.Getenv("INSIGHTS_READ_COUNT"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				c.ReadCount = n
			} else {
				log.Printf("insights.Bus: ignoring INSIGHTS_READ_COUNT=%q", v)
			}
		}
		if v := os.Getenv("INSIGHTS_BLOCK_MS"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				c.BlockTimeout = time.Duration(n) * time.Millisecond
			} else {
				log.Printf("insights.Bus: ignoring INSIGHTS_BLOCK_MS=%q", v)
			}
		}
		if v := os.Getenv("INSIGHTS_CLAIM_IDLE_MS"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				c.ClaimMinIdle = time.Duration(n) * time.Millisecond
			} else {
				log.Printf("insights.Bus: ignoring INSIGHTS_CLAIM_IDLE_MS=%q", v)
			}
		}
		if v := os.Getenv("INSIGHTS_RATE_LIMIT"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
				c.RateLimit = f
				if c.RateBurst <= 0 {
					c.RateBurst = 1
				}
			} else {
				log.Printf("insights.Bus: ignoring INSIGHTS_RATE_LIMIT=%q", v)
			}
		}
	}
}

// defaultConsumerName builds a name unique per process instance.
func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
