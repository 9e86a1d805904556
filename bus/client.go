// Package bus implements the log-based request/response protocol used to
// call workers over NATS JetStream.
//
// Each worker family owns one subject under the request prefix; worker
// processes consume it through a durable consumer with explicit ack, so a
// pool of workers load-balances without duplicate delivery. Every worker
// publishes its answer on the single shared results subject, which each
// connected client reads in broadcast mode (a plain core subscription, no
// queue group) and filters by correlation id. Broadcast-with-client-filter
// is an intentional simplification over per-caller response subjects; it
// costs O(clients x results) filtering, acceptable at this scale.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/deskagent/coordinator/metrics"
)

// DefaultCallTimeout bounds a correlated call when the caller passes no
// explicit timeout.
const DefaultCallTimeout = 30 * time.Second

// Handler processes one parsed worker request. The message is already acked
// when the handler runs; redelivery is broker-level retry only, not an
// application at-least-once guarantee.
type Handler func(ctx context.Context, req ToolCallRequest)

// Client is the coordination core's connection to the message bus. It owns
// the correlation table for in-flight calls and the single long-lived
// results listener that resolves them.
type Client struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream StreamConfig
	logger *slog.Logger
	mx     *metrics.Metrics

	requester      string
	defaultTimeout time.Duration

	pending    *pendingCalls
	resultsSub *nats.Subscription

	mu      sync.Mutex
	started bool
	subs    []context.CancelFunc
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithStreamConfig overrides the default stream layout.
func WithStreamConfig(cfg StreamConfig) Option {
	return func(c *Client) { c.stream = cfg }
}

// WithRequester sets the requester identity stamped onto outgoing calls.
func WithRequester(name string) Option {
	return func(c *Client) { c.requester = name }
}

// WithDefaultTimeout sets the timeout used when Call receives zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithMetrics attaches Prometheus collectors. A nil value disables them.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.mx = m }
}

// New creates a Client on an established NATS connection and provisions the
// bounded call stream. Start must be called before the first Call.
func New(ctx context.Context, nc *nats.Conn, opts ...Option) (*Client, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats connection is required")
	}

	c := &Client{
		nc:             nc,
		stream:         DefaultStreamConfig(),
		logger:         slog.Default(),
		requester:      "coordinator",
		defaultTimeout: DefaultCallTimeout,
		pending:        newPendingCalls(),
	}
	for _, opt := range opts {
		opt(c)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	c.js = js

	if _, err := EnsureStream(ctx, js, c.stream); err != nil {
		return nil, err
	}

	return c, nil
}

// Start launches the results listener. It must complete before any Call is
// issued: a response arriving before the listener is live would race an
// unregistered future and the call would time out.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client already started")
	}

	sub, err := c.nc.Subscribe(c.stream.ResultsSubject, c.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe results subject %s: %w", c.stream.ResultsSubject, err)
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush results subscription: %w", err)
	}

	c.resultsSub = sub
	c.started = true

	c.logger.Debug("bus client started",
		"results_subject", c.stream.ResultsSubject,
		"requester", c.requester)
	return nil
}

// Close stops the results listener and all worker subscriptions. The NATS
// connection itself belongs to the caller and is left open.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resultsSub != nil {
		_ = c.resultsSub.Unsubscribe()
		c.resultsSub = nil
	}
	for _, cancel := range c.subs {
		cancel()
	}
	c.subs = nil
	c.started = false
}

// handleResult filters the broadcast results subject by correlation id,
// resolving only this client's pending futures.
func (c *Client) handleResult(msg *nats.Msg) {
	var resp ToolCallResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		c.logger.Warn("unparseable response on results subject", "error", err)
		return
	}
	if resp.TaskID == "" {
		return
	}
	// Responses to other clients' calls land here too; dropping them is the
	// cost of the shared results subject.
	c.pending.resolve(resp.TaskID, resp)
}

// Publish appends a message to a bus subject through JetStream.
func (c *Client) Publish(ctx context.Context, subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Call issues one correlated request to a worker family and waits for the
// matching response. A timeout is never surfaced as an error: it yields a
// failed ToolCallResult so callers always have something to aggregate.
// Retry is caller policy; the client never retries.
func (c *Client) Call(ctx context.Context, family string, params map[string]any, timeout time.Duration) (ToolCallResult, error) {
	if err := ValidateFamily(family); err != nil {
		return ToolCallResult{}, err
	}

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ToolCallResult{}, fmt.Errorf("bus client not started")
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	id := uuid.NewString()
	future := c.pending.register(id)
	defer c.pending.drop(id)

	req := ToolCallRequest{
		TaskID:         id,
		Tool:           family,
		Params:         params,
		Requester:      c.requester,
		TimeoutSeconds: timeout.Seconds(),
	}

	start := time.Now()
	if err := c.Publish(ctx, c.stream.subjectFor(family), req); err != nil {
		c.mx.ObserveCall(family, "publish_error", time.Since(start))
		return ToolCallResult{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-future:
		elapsed := time.Since(start)
		res := resultFromResponse(resp, elapsed)
		outcome := "success"
		if !res.Success {
			outcome = "failure"
		}
		c.mx.ObserveCall(family, outcome, elapsed)
		return res, nil
	case <-timer.C:
		elapsed := time.Since(start)
		c.mx.ObserveCall(family, "timeout", elapsed)
		c.logger.Warn("call timed out", "family", family, "correlation_id", id, "timeout", timeout)
		return ToolCallResult{
			Success:       false,
			Error:         fmt.Sprintf("timeout after %gs", timeout.Seconds()),
			ExecutionTime: elapsed,
		}, nil
	case <-ctx.Done():
		c.mx.ObserveCall(family, "cancelled", time.Since(start))
		return ToolCallResult{}, ctx.Err()
	}
}

// Subscribe consumes a worker family subject through a durable consumer so
// that a pool of workers sharing the group name load-balances the requests.
// Messages are acked immediately after parsing, before the handler runs;
// handler errors are the handler's own to report on the results subject.
func (c *Client) Subscribe(ctx context.Context, family, group string, handler Handler) error {
	if err := ValidateFamily(family); err != nil {
		return err
	}
	if group == "" {
		return fmt.Errorf("consumer group is required")
	}

	stream, err := c.js.Stream(ctx, c.stream.Name)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", c.stream.Name, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       group,
		FilterSubject: c.stream.subjectFor(family),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		MaxDeliver:    3,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", group, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.subs = append(c.subs, cancel)
	c.mu.Unlock()

	go c.consumeLoop(subCtx, consumer, family, handler)

	c.logger.Info("subscribed to worker family",
		"family", family,
		"group", group)
	return nil
}

// consumeLoop continuously fetches messages for one family subscription.
func (c *Client) consumeLoop(ctx context.Context, consumer jetstream.Consumer, family string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("fetch timeout or error", "family", family, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleRequest(ctx, msg, family, handler)
		}

		if msgs.Error() != nil && msgs.Error() != context.DeadlineExceeded {
			c.logger.Warn("message fetch error", "family", family, "error", msgs.Error())
		}
	}
}

// handleRequest parses, acks, and dispatches one worker request.
func (c *Client) handleRequest(ctx context.Context, msg jetstream.Msg, family string, handler Handler) {
	if ctx.Err() != nil {
		if err := msg.Nak(); err != nil {
			c.logger.Warn("failed to NAK message during shutdown", "error", err)
		}
		return
	}

	var req ToolCallRequest
	if err := json.Unmarshal(msg.Data(), &req); err != nil {
		c.logger.Error("failed to parse request", "family", family, "error", err)
		if err := msg.Nak(); err != nil {
			c.logger.Warn("failed to NAK message", "error", err)
		}
		return
	}

	// Ack after parse, before processing. Redelivery covers broker retry
	// only; a worker that dies mid-request answers with nothing and the
	// caller times out.
	if err := msg.Ack(); err != nil {
		c.logger.Warn("failed to ACK message", "error", err)
	}

	if err := req.Validate(); err != nil {
		c.logger.Error("invalid request", "family", family, "error", err)
		return
	}

	handler(ctx, req)
}

// Respond publishes a worker response on the shared results subject.
func (c *Client) Respond(ctx context.Context, resp ToolCallResponse) error {
	if err := resp.Validate(); err != nil {
		return err
	}
	return c.Publish(ctx, c.stream.ResultsSubject, resp)
}

// Pending returns the number of in-flight calls. Exposed for tests and
// introspection.
func (c *Client) Pending() int {
	return c.pending.size()
}
