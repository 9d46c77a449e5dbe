// Package stream runs one assistant turn at a time over the chat backend's
// server-sent event stream: it opens the connection, folds records into a
// Session, retries dropped connections while the network is up and reports
// exactly one terminal outcome per turn.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/habedi/convo/client"
	"github.com/habedi/convo/netmon"
	"github.com/habedi/convo/pkg/apierr"
	"github.com/habedi/convo/pkg/retry"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// DefaultMaxRetries is the turn-level retry budget.
const DefaultMaxRetries = 3

// State of the client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ConnectionStatus is derived UI state.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

var errOffline = errors.New("network went offline")

// Opener opens a streaming HTTP call. *client.Client satisfies it.
type Opener interface {
	Open(ctx context.Context, req *client.Request) (*http.Response, error)
}

// Reachability is the part of the network monitor the client depends on. *netmon.Monitor satisfies it.
type Reachability interface {
	Online() bool
	Subscribe(fn func(netmon.Status)) func()
}

// TokenValidator makes sure a usable access token is stored before a connection is opened.
type TokenValidator interface {
	ValidAccessToken(ctx context.Context) (string, error)
}

// Request is one user turn.
type Request struct {
	Message        string
	ConversationID string
}

type chatBody struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Completion is delivered once when a turn ends normally.
type Completion struct {
	SessionID      string
	ConversationID string
	Text           string
	Metadata       map[string]any
}

// Handlers receive the events of one turn on the turn's goroutine. Any of them may be nil.
type Handlers struct {
	OnChunk    func(text string)
	OnComplete func(Completion)
	OnError    func(error)
	OnStatus   func(ConnectionStatus)
}

// Client runs at most one turn at a time.
type Client struct {
	opener     Opener
	path       string
	net        Reachability
	tokens     TokenValidator
	maxRetries int
	backoff    func(attempt int) time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	state  State
	status ConnectionStatus
	text   string
	convID string
	active *turn
	last   *turn
}

type turn struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	ended  atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithReachability gates retries on, and aborts turns when, the monitor reports offline.
func WithReachability(r Reachability) Option { return func(c *Client) { c.net = r } }

// WithTokenValidator checks the access token before every connection attempt.
func WithTokenValidator(v TokenValidator) Option { return func(c *Client) { c.tokens = v } }

// WithMaxRetries sets the turn-level retry budget.
func WithMaxRetries(n int) Option { return func(c *Client) { c.maxRetries = n } }

// WithBackoff replaces the 2^attempt seconds delay.
func WithBackoff(fn func(attempt int) time.Duration) Option { return func(c *Client) { c.backoff = fn } }

// WithSleep replaces the context-aware sleep between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a client posting turns to path.
func New(opener Opener, path string, opts ...Option) *Client {
	c := &Client{
		opener:     opener,
		path:       path,
		maxRetries: DefaultMaxRetries,
		backoff:    ExponentialBackoff,
		sleep:      retry.SleepContext,
		state:      StateIdle,
		status:     StatusDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExponentialBackoff waits 2^attempt seconds before retry number attempt (0-based).
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<min(attempt, 16)) * time.Second
}

// Start begins a turn, first stopping any turn still running. It returns once the turn is
// launched; the outcome arrives through h. An empty conversation id starts a new conversation.
func (c *Client) Start(ctx context.Context, req Request, h Handlers) error {
	if strings.TrimSpace(req.Message) == "" {
		return &apierr.ValidationError{Field: "message", Message: "cannot be empty"}
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	turnCtx, cancel := context.WithCancelCause(ctx)
	t := &turn{cancel: cancel, done: make(chan struct{})}

	// swap in one critical section so concurrent Starts cannot both keep a turn
	c.mu.Lock()
	prev := c.active
	c.active = t
	c.last = t
	c.state = StateConnecting
	c.status = StatusConnecting
	c.text = ""
	c.convID = req.ConversationID
	c.mu.Unlock()
	if prev != nil {
		c.stopTurn(prev)
	}

	unsubscribe := func() {}
	if c.net != nil {
		unsubscribe = c.net.Subscribe(func(s netmon.Status) {
			if !s.Online {
				cancel(errOffline)
			}
		})
	}

	go func() {
		defer close(t.done)
		defer unsubscribe()
		defer cancel(nil)
		c.run(turnCtx, t, req, h)
	}()
	return nil
}

// Stop ends the running turn without reporting an error. It is a no-op when nothing runs.
func (c *Client) Stop() {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t != nil {
		c.stopTurn(t)
	}
}

func (c *Client) stopTurn(t *turn) {
	if !t.ended.CompareAndSwap(false, true) {
		return
	}
	t.cancel(apierr.ErrStopped)

	c.mu.Lock()
	if c.active == t {
		c.active = nil
		c.state = StateIdle
		c.status = StatusDisconnected
	}
	c.mu.Unlock()
	log.Debug().Msg("Stream stopped")
}

// Wait blocks until the most recently started turn has released its connection.
func (c *Client) Wait() {
	c.mu.Lock()
	t := c.last
	c.mu.Unlock()
	if t != nil {
		<-t.done
	}
}

// State returns the state machine's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status returns the connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StreamingText returns the text received so far in the current or last turn.
func (c *Client) StreamingText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// ConversationID returns the conversation of the current or last turn.
func (c *Client) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

func (c *Client) run(ctx context.Context, t *turn, req Request, h Handlers) {
	sess := Session{ID: ulid.Make().String(), ConversationID: req.ConversationID}
	logger := log.With().Str("session", sess.ID).Str("conversation", sess.ConversationID).Logger()
	logger.Debug().Msg("Starting stream turn")
	if h.OnStatus != nil {
		h.OnStatus(StatusConnecting)
	}

	for {
		c.update(t, h, StateConnecting, StatusConnecting)
		ev, err := c.attempt(ctx, t, &sess, req.Message, h)
		if err == nil {
			c.finish(t, h, sess, ev)
			return
		}

		if ctx.Err() != nil {
			c.interrupted(ctx, t, h, sess)
			return
		}
		if !apierr.IsRetryable(err) || sess.RetryAttempts >= c.maxRetries || !c.online() {
			c.fail(t, h, err)
			return
		}

		delay := c.backoff(sess.RetryAttempts)
		sess.RetryAttempts++
		sess.BufferedText = ""
		c.setText(t, "")
		logger.Warn().Err(err).
			Int("attempt", sess.RetryAttempts).
			Int("max_attempts", c.maxRetries).
			Dur("delay", delay).
			Msg("Stream dropped, retrying turn...")
		c.update(t, h, StateConnecting, StatusDisconnected)

		if err := c.sleep(ctx, delay); err != nil {
			c.interrupted(ctx, t, h, sess)
			return
		}
	}
}

// attempt opens one connection and reads it until a terminal record.
func (c *Client) attempt(ctx context.Context, t *turn, sess *Session, message string, h Handlers) (Event, error) {
	if c.tokens != nil {
		if _, err := c.tokens.ValidAccessToken(ctx); err != nil {
			return Event{}, err
		}
	}

	resp, err := c.opener.Open(ctx, &client.Request{
		Method: http.MethodPost,
		Path:   c.path,
		Body:   chatBody{Message: message, ConversationID: sess.ConversationID},
		Header: http.Header{
			"Accept":        []string{"text/event-stream"},
			"Cache-Control": []string{"no-cache"},
		},
	})
	if err != nil {
		return Event{}, transportError(err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close stream body")
		}
	}()

	dec := NewDecoder(&firstByteReader{r: resp.Body, onFirst: func() {
		c.update(t, h, StateStreaming, StatusConnected)
	}})
	for {
		data, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil {
				return Event{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Event{}, &apierr.StreamTransportError{Partial: sess.BufferedText, Err: err}
		}
		var ev Event
		*sess, ev = Apply(*sess, data)
		switch ev.Kind {
		case EventSkipped:
			continue
		case EventChunk:
			c.setText(t, sess.BufferedText)
			if h.OnChunk != nil && !t.ended.Load() {
				h.OnChunk(ev.Text)
			}
		default:
			return ev, nil
		}
	}
}

// firstByteReader calls onFirst once, when the first bytes of the body arrive.
type firstByteReader struct {
	r       io.Reader
	onFirst func()
	seen    bool
}

func (f *firstByteReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if n > 0 && !f.seen {
		f.seen = true
		f.onFirst()
	}
	return n, err
}

// transportError maps an open failure: dropped connections and 5xx responses become retryable transport errors.
func transportError(err error) error {
	var netErr *apierr.NetworkError
	if errors.As(err, &netErr) {
		return &apierr.StreamTransportError{Err: err}
	}
	var apiErr *apierr.APIError
	if errors.As(err, &apiErr) && apiErr.Status >= 500 {
		return &apierr.StreamTransportError{Status: apiErr.Status, Err: err}
	}
	return err
}

func (c *Client) online() bool {
	return c.net == nil || c.net.Online()
}

func (c *Client) finish(t *turn, h Handlers, sess Session, ev Event) {
	if ev.Kind == EventError {
		msg := ev.Text
		if msg == "" {
			msg = "stream reported an error"
		}
		c.fail(t, h, &apierr.APIError{Code: "stream_error", Message: msg})
		return
	}

	if !t.ended.CompareAndSwap(false, true) {
		return
	}
	c.settle(t, StateCompleted, StatusDisconnected, sess.BufferedText, sess.ConversationID)
	if h.OnStatus != nil {
		h.OnStatus(StatusDisconnected)
	}
	if h.OnComplete != nil {
		h.OnComplete(Completion{
			SessionID:      sess.ID,
			ConversationID: sess.ConversationID,
			Text:           ev.Text,
			Metadata:       ev.Metadata,
		})
	}
	c.release(t)
}

func (c *Client) fail(t *turn, h Handlers, err error) {
	if !t.ended.CompareAndSwap(false, true) {
		return
	}
	log.Warn().Err(err).Msg("Stream turn failed")
	c.settle(t, StateFailed, StatusError, "", "")
	if h.OnStatus != nil {
		h.OnStatus(StatusError)
	}
	if h.OnError != nil {
		h.OnError(err)
	}
	c.release(t)
}

// interrupted handles a cancelled turn: going offline is a failure, anything else is a clean stop.
func (c *Client) interrupted(ctx context.Context, t *turn, h Handlers, sess Session) {
	if errors.Is(context.Cause(ctx), errOffline) {
		c.fail(t, h, &apierr.ConnectivityLostError{Partial: sess.BufferedText})
		return
	}
	c.stopTurn(t)
}

func (c *Client) update(t *turn, h Handlers, s State, cs ConnectionStatus) {
	c.mu.Lock()
	if c.active != t {
		c.mu.Unlock()
		return
	}
	changed := c.status != cs
	c.state = s
	c.status = cs
	c.mu.Unlock()

	if changed && h.OnStatus != nil && !t.ended.Load() {
		h.OnStatus(cs)
	}
}

func (c *Client) setText(t *turn, text string) {
	c.mu.Lock()
	if c.active == t {
		c.text = text
	}
	c.mu.Unlock()
}

func (c *Client) settle(t *turn, s State, cs ConnectionStatus, text, convID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != t {
		return
	}
	c.state = s
	c.status = cs
	if text != "" {
		c.text = text
	}
	if convID != "" {
		c.convID = convID
	}
}

// release returns the client to idle once the terminal handlers have run.
func (c *Client) release(t *turn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == t {
		c.active = nil
		c.state = StateIdle
	}
}
