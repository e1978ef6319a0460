package tessera

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// TokenProvider returns the current auth credential. It is invoked on every
// connect attempt, never cached across reconnects: a long-lived client may
// see the token rotate underneath it.
type TokenProvider func() string

// ChannelConfig configures the event channel.
type ChannelConfig struct {
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func (c *ChannelConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ChannelState represents the connection state.
type ChannelState string

const (
	ChannelDisconnected ChannelState = "disconnected"
	ChannelConnecting   ChannelState = "connecting"
	ChannelOpen         ChannelState = "open"
	ChannelClosing      ChannelState = "closing"
	ChannelClosed       ChannelState = "closed"
)

// ErrRetryBudgetExhausted is reported through the error callback when the
// reconnect attempt budget runs out. The channel stays Disconnected;
// presence and typing simply stop updating until a fresh Connect.
var ErrRetryBudgetExhausted = errors.New("tessera: reconnect attempts exhausted")

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *ChannelConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay computes min(base * 2^n, cap) with a little jitter, then
// advances the attempt counter.
func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// reset restores the attempt counter after a successful open.
func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the persistent bidirectional event stream. It reconnects with
// bounded exponential backoff, re-reading the auth credential on each
// attempt, and signals "resynchronize" after any reconnect that follows a
// previously successful open. Missed events are not individually
// recoverable, so a full resync is the correctness backstop.
//
// Inbound events are dispatched synchronously on the read loop, preserving
// arrival order. A payload that fails to parse is reported through the
// error callback and dropped; it never kills the loop.
type Channel struct {
	url    string
	token  TokenProvider
	config ChannelConfig

	mu          sync.Mutex
	state       ChannelState
	conn        *websocket.Conn
	intentional bool
	everOpened  bool
	cancelFn    context.CancelFunc

	recon *reconnector

	onEvent  func(Event)
	onResync func()
	onState  func(ChannelState)
	onError  func(error)
}

// NewChannel creates a channel for the given websocket URL. token is read
// at every connect attempt. config may be nil for defaults.
func NewChannel(url string, token TokenProvider, config *ChannelConfig) *Channel {
	cfg := ChannelConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Channel{
		url:    url,
		token:  token,
		config: cfg,
		state:  ChannelDisconnected,
		recon:  newReconnector(&cfg),
	}
}

// OnEvent registers the inbound event handler. Must be set before Connect.
func (ch *Channel) OnEvent(h func(Event)) { ch.onEvent = h }

// OnResync registers the resynchronize handler, fired after a reconnect
// that follows a prior successful open.
func (ch *Channel) OnResync(h func()) { ch.onResync = h }

// OnStateChange registers a handler for connection state transitions.
func (ch *Channel) OnStateChange(h func(ChannelState)) { ch.onState = h }

// OnChannelError registers a handler for dropped payloads and exhausted
// retry budgets.
func (ch *Channel) OnChannelError(h func(error)) { ch.onError = h }

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect establishes the stream and starts the read loop. It returns once
// the connection is open (or has failed); reconnection after a later drop
// happens in the background.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == ChannelOpen || ch.state == ChannelConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.intentional = false
	ch.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	ch.mu.Lock()
	ch.cancelFn = cancel
	ch.mu.Unlock()

	if err := ch.dial(connCtx); err != nil {
		cancel()
		return err
	}
	return nil
}

// dial performs one connect attempt with a freshly read credential.
func (ch *Channel) dial(ctx context.Context) error {
	ch.setState(ChannelConnecting)

	wsURL := ch.url + "?token=" + ch.token()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.setState(ChannelDisconnected)
		return fmt.Errorf("channel dial: %w", err)
	}

	ch.mu.Lock()
	ch.conn = conn
	reconnected := ch.everOpened
	ch.everOpened = true
	ch.mu.Unlock()

	ch.recon.reset()
	ch.setState(ChannelOpen)

	if reconnected && ch.onResync != nil {
		ch.onResync()
	}

	go ch.readLoop(ctx, conn)
	return nil
}

// Close tears the channel down intentionally, suppressing reconnection.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.intentional = true
	conn := ch.conn
	ch.conn = nil
	cancel := ch.cancelFn
	ch.cancelFn = nil
	ch.mu.Unlock()

	ch.setState(ChannelClosing)
	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	ch.setState(ChannelClosed)
	return err
}

// Send transmits an outbound event. It is fire-and-forget: when the channel
// is not open the event is silently dropped, never queued.
func (ch *Channel) Send(ctx context.Context, ev Event) {
	ch.mu.Lock()
	conn := ch.conn
	open := ch.state == ChannelOpen
	ch.mu.Unlock()
	if !open || conn == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentional
			ch.conn = nil
			ch.mu.Unlock()
			if intentional {
				return
			}
			ch.setState(ChannelClosed)
			ch.scheduleReconnect(ctx)
			return
		}
		ch.dispatch(data)
	}
}

// dispatch parses and delivers one inbound payload. A handler panic or a
// malformed payload drops that event only.
func (ch *Channel) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			ch.reportError(fmt.Errorf("channel: event handler panic: %v", r))
		}
	}()

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		ch.reportError(fmt.Errorf("channel: malformed event payload: %w", err))
		return
	}
	if ev.Type == "" {
		ch.reportError(errors.New("channel: event payload missing type"))
		return
	}
	if ch.onEvent != nil {
		ch.onEvent(ev)
	}
}

func (ch *Channel) scheduleReconnect(ctx context.Context) {
	for {
		if !ch.recon.shouldReconnect() {
			ch.setState(ChannelDisconnected)
			ch.reportError(ErrRetryBudgetExhausted)
			return
		}

		delay := ch.recon.nextDelay()
		ch.setState(ChannelConnecting)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			ch.mu.Lock()
			intentional := ch.intentional
			ch.mu.Unlock()
			// An intentional Close already settled the state; don't
			// overwrite Closed with Disconnected.
			if !intentional {
				ch.setState(ChannelDisconnected)
			}
			return
		case <-timer.C:
		}

		ch.mu.Lock()
		intentional := ch.intentional
		ch.mu.Unlock()
		if intentional {
			return
		}

		if err := ch.dial(ctx); err == nil {
			return
		}
	}
}

func (ch *Channel) setState(s ChannelState) {
	ch.mu.Lock()
	if ch.state == s {
		ch.mu.Unlock()
		return
	}
	ch.state = s
	ch.mu.Unlock()
	if ch.onState != nil {
		ch.onState(s)
	}
}

func (ch *Channel) reportError(err error) {
	if ch.onError != nil {
		ch.onError(err)
	}
}
