// Package notifier wraps chat-surface API calls with retry-with-backoff:
// exponential, jittered delays bounded by a context, with a fixed set of
// terminal error codes that short-circuit without retry. Prometheus
// instrumentation is promauto-registered CounterVec/HistogramVec fields
// populated inline at each call site.
package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskbroker/pkg/logx"
)

// tracer is package-scope for the same reason as the promauto metrics
// below: every Notifier in a process shares the one chat-surface span
// name, so there is no per-instance configuration worth threading through.
var tracer = otel.Tracer("taskbroker/notifier")

// ChatPoster is the subset of a chat-workspace client the notifier retries
// calls against.
type ChatPoster interface {
	PostMessage(ctx context.Context, channelID, threadTs, text string) (messageID string, err error)
	EditMessage(ctx context.Context, channelID, messageID, text string) error
	PostBlocks(ctx context.Context, channelID, threadTs string, blocks []byte) (messageID string, err error)
	PostEphemeral(ctx context.Context, channelID, userID, text string) error
	UploadFile(ctx context.Context, channelID, threadTs, filename string, data []byte) error
	AddReaction(ctx context.Context, channelID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error
}

// terminalErrors are ChatPoster failures that retrying cannot fix, mirroring
// the "already_reacted"/"no_reaction" class of Slack API error codes that
// mean the desired end state already holds (or can never hold).
var terminalErrors = map[string]bool{
	"already_reacted": true,
	"no_reaction":     true,
	"message_not_found": true,
}

// failedQueueCap bounds the backlog of notifications that exhausted all
// retries, so a persistently broken chat surface cannot grow this queue
// without limit.
const failedQueueCap = 500

// FailedNotification records a call that could not be completed after
// retrying, kept for operator inspection through the admin surface.
type FailedNotification struct {
	Op        string
	ChannelID string
	Err       string
	At        time.Time
}

// Notifier retries ChatPoster calls with exponential, jittered backoff,
// giving up after maxAttempts.
type Notifier struct {
	poster      ChatPoster
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *logx.Logger

	failedMu sync.Mutex
	failed   []FailedNotification

	callsTotal   *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
}

// Metrics are registered once at package scope (rather than per Notifier
// instance) since promauto registers against the default registry and a
// broker process only ever needs one set of these series regardless of how
// many Notifier values it constructs.
var (
	notifierCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbroker_notifier_calls_total",
			Help: "Total chat-surface calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
	notifierCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskbroker_notifier_call_duration_seconds",
			Help:    "Chat-surface call latency including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// New creates a Notifier around poster with sane retry defaults (5
// attempts, starting at 200ms and capped at 5s).
func New(poster ChatPoster) *Notifier {
	return &Notifier{
		poster:       poster,
		maxAttempts:  5,
		baseDelay:    200 * time.Millisecond,
		maxDelay:     5 * time.Second,
		logger:       logx.NewLogger("notifier"),
		callsTotal:   notifierCallsTotal,
		callDuration: notifierCallDuration,
	}
}

// Post sends a new chat message, retrying transient failures.
func (n *Notifier) Post(ctx context.Context, channelID, threadTs, text string) (string, error) {
	var id string
	err := n.retry(ctx, "post", channelID, func() error {
		var err error
		id, err = n.poster.PostMessage(ctx, channelID, threadTs, text)
		return err
	})
	return id, err
}

// Edit updates an existing chat message in place, retrying transient
// failures - used by the stream accumulator to progressively reveal an
// agent's output in a single message.
func (n *Notifier) Edit(ctx context.Context, channelID, messageID, text string) error {
	return n.retry(ctx, "edit", channelID, func() error {
		return n.poster.EditMessage(ctx, channelID, messageID, text)
	})
}

// PostBlocks sends a richly formatted message (e.g. a task-completion
// summary with a files-changed/cost breakdown), retrying transient
// failures.
func (n *Notifier) PostBlocks(ctx context.Context, channelID, threadTs string, blocks []byte) (string, error) {
	var id string
	err := n.retry(ctx, "post_blocks", channelID, func() error {
		var err error
		id, err = n.poster.PostBlocks(ctx, channelID, threadTs, blocks)
		return err
	})
	return id, err
}

// PostEphemeral sends a message only userID can see, retrying transient
// failures.
func (n *Notifier) PostEphemeral(ctx context.Context, channelID, userID, text string) error {
	return n.retry(ctx, "post_ephemeral", channelID, func() error {
		return n.poster.PostEphemeral(ctx, channelID, userID, text)
	})
}

// UploadFile attaches a binary artifact to a thread, retrying transient
// failures.
func (n *Notifier) UploadFile(ctx context.Context, channelID, threadTs, filename string, data []byte) error {
	return n.retry(ctx, "upload_file", channelID, func() error {
		return n.poster.UploadFile(ctx, channelID, threadTs, filename, data)
	})
}

// AddReaction attaches an emoji reaction to a chat message, used to give a
// task's originating message a glanceable status indicator.
func (n *Notifier) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return n.retry(ctx, "add_reaction", channelID, func() error {
		return n.poster.AddReaction(ctx, channelID, messageID, emoji)
	})
}

// RemoveReaction detaches a previously added emoji reaction, used when
// swapping a transient status emoji for a terminal one.
func (n *Notifier) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return n.retry(ctx, "remove_reaction", channelID, func() error {
		return n.poster.RemoveReaction(ctx, channelID, messageID, emoji)
	})
}

// FailedNotifications returns a snapshot of calls that exhausted retries,
// for operator inspection (served by the broker at
// /admin/failed-notifications).
func (n *Notifier) FailedNotifications() []FailedNotification {
	n.failedMu.Lock()
	defer n.failedMu.Unlock()
	out := make([]FailedNotification, len(n.failed))
	copy(out, n.failed)
	return out
}

func (n *Notifier) retry(ctx context.Context, op, channelID string, fn func() error) error {
	ctx, span := tracer.Start(ctx, "notifier."+op, trace.WithAttributes(
		attribute.String("chat.channel_id", channelID),
	))
	defer span.End()

	err := n.doRetry(ctx, op, channelID, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (n *Notifier) doRetry(ctx context.Context, op, channelID string, fn func() error) error {
	start := time.Now()
	delay := n.baseDelay
	var lastErr error

	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			n.callsTotal.WithLabelValues(op, "success").Inc()
			n.callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			return nil
		}

		lastErr = err
		if terminalErrors[err.Error()] {
			n.logger.Debug("chat %s short-circuited: %v", op, err)
			n.callsTotal.WithLabelValues(op, "terminal").Inc()
			n.callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			return nil
		}

		n.logger.Warn("chat %s attempt %d/%d failed: %v", op, attempt, n.maxAttempts, err)
		if attempt == n.maxAttempts {
			break
		}

		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay)))
		select {
		case <-ctx.Done():
			n.callsTotal.WithLabelValues(op, "cancelled").Inc()
			return fmt.Errorf("notifier: %s cancelled: %w", op, ctx.Err())
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > n.maxDelay {
			delay = n.maxDelay
		}
	}

	n.callsTotal.WithLabelValues(op, "failed").Inc()
	n.callDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	n.recordFailure(op, channelID, lastErr)
	return fmt.Errorf("notifier: %s failed after %d attempts: %w", op, n.maxAttempts, lastErr)
}

func (n *Notifier) recordFailure(op, channelID string, err error) {
	n.failedMu.Lock()
	defer n.failedMu.Unlock()
	if len(n.failed) >= failedQueueCap {
		n.failed = n.failed[1:]
	}
	n.failed = append(n.failed, FailedNotification{Op: op, ChannelID: channelID, Err: err.Error(), At: time.Now()})
}
