// Package relay keeps the single publish/subscribe session to the market
// relay: connect, reconnect with backoff, publish with acknowledgment and
// inbound routing.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/bonserver/internal/metrics"
	"github.com/vultisig/bonserver/internal/types"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultReconnectBase  = 2 * time.Second
	DefaultReconnectCap   = 30 * time.Second
	DefaultMaxAttempts    = 5
	DefaultPublishTimeout = 5 * time.Second
)

// Observer receives connection notifications in registration order.
type Observer interface {
	OnStateChange(state State, address string)
	OnMessage(msg Inbound)
	OnNotice(text string)
	OnError(err error)
}

// ObserverFuncs adapts optional callbacks to Observer. Register it by
// pointer.
type ObserverFuncs struct {
	StateChange func(state State, address string)
	Message     func(msg Inbound)
	Notice      func(text string)
	Error       func(err error)
}

func (o *ObserverFuncs) OnStateChange(state State, address string) {
	if o.StateChange != nil {
		o.StateChange(state, address)
	}
}

func (o *ObserverFuncs) OnMessage(msg Inbound) {
	if o.Message != nil {
		o.Message(msg)
	}
}

func (o *ObserverFuncs) OnNotice(text string) {
	if o.Notice != nil {
		o.Notice(text)
	}
}

func (o *ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// SubscriptionHandler receives events and other messages addressed to one
// subscription id.
type SubscriptionHandler func(msg Inbound)

type subscription struct {
	filters []Filter
	handler SubscriptionHandler
}

type okResult struct {
	success bool
	message string
}

type Options struct {
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	MaxAttempts    int
	PublishTimeout time.Duration
	Scheduler      Scheduler
	Metrics        *metrics.Reporter
	Logger         *logrus.Entry
}

// Snapshot is a point-in-time view of the connection.
type Snapshot struct {
	State         string `json:"state"`
	Address       string `json:"address"`
	Attempts      int    `json:"attempts"`
	Suspended     bool   `json:"suspended"`
	Exhausted     bool   `json:"exhausted"`
	Subscriptions int    `json:"subscriptions"`
	Waiters       int    `json:"waiters"`
}

// Connection is the process's logical relay session. It is safe for
// concurrent use; only one dial is ever in flight.
type Connection struct {
	dialer    Dialer
	scheduler Scheduler
	metrics   *metrics.Reporter
	logger    *logrus.Entry

	base           time.Duration
	cap            time.Duration
	maxAttempts    int
	publishTimeout time.Duration

	observerMu sync.RWMutex
	observers  []Observer

	mu             sync.Mutex
	state          State
	address        string
	conn           Conn
	generation     uint64
	dialDone       chan struct{}
	attempts       int
	exhausted      bool
	suspended      bool
	hadSession     bool
	reconnectTimer Timer
	waiters        map[string]chan okResult
	subscriptions  map[string]subscription
}

func NewConnection(dialer Dialer, opts Options) *Connection {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = DefaultReconnectCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = realScheduler{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.WithField("module", "relay")
	}
	return &Connection{
		dialer:         dialer,
		scheduler:      opts.Scheduler,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		base:           opts.ReconnectBase,
		cap:            opts.ReconnectCap,
		maxAttempts:    opts.MaxAttempts,
		publishTimeout: opts.PublishTimeout,
		waiters:        make(map[string]chan okResult),
		subscriptions:  make(map[string]subscription),
	}
}

// ReconnectDelay is min(base * 2^(attempt-1), cap) for attempt >= 1.
func ReconnectDelay(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}

// AddObserver registers o. Registering the same observer twice is a no-op.
func (c *Connection) AddObserver(o Observer) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	for _, existing := range c.observers {
		if existing == o {
			return
		}
	}
	c.observers = append(c.observers, o)
}

func (c *Connection) RemoveObserver(o Observer) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	for i, existing := range c.observers {
		if existing == o {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return
		}
	}
}

func (c *Connection) snapshotObservers() []Observer {
	c.observerMu.RLock()
	defer c.observerMu.RUnlock()
	return append([]Observer(nil), c.observers...)
}

func (c *Connection) notifyState(state State, address string) {
	for _, o := range c.snapshotObservers() {
		o.OnStateChange(state, address)
	}
}

func (c *Connection) notifyError(err error) {
	for _, o := range c.snapshotObservers() {
		o.OnError(err)
	}
}

// Connect opens a session to address. It is a no-op when already connected
// to address or while a dial is in flight; a different address replaces the
// current session.
func (c *Connection) Connect(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.dialDone != nil {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnected && c.address == address {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.open(ctx, address)
}

// open tears down any current session and dials address. It is a no-op
// while another dial is in flight: dialDone is set for the length of a dial
// and closed when it returns, and a teardown leaves it alone.
func (c *Connection) open(ctx context.Context, address string) error {
	c.mu.Lock()
	if c.dialDone != nil {
		c.mu.Unlock()
		return nil
	}
	c.teardownLocked()
	c.stopTimerLocked()
	c.state = StateConnecting
	c.address = address
	c.dialDone = make(chan struct{})
	gen := c.generation
	c.mu.Unlock()
	c.notifyState(StateConnecting, address)

	conn, err := c.dialer.Dial(ctx, address)

	c.mu.Lock()
	close(c.dialDone)
	c.dialDone = nil
	if gen != c.generation || c.address != address {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.WithFields(logrus.Fields{
			"address": address,
		}).WithError(err).Warn("relay dial failed")
		c.notifyState(StateDisconnected, address)
		c.notifyError(fmt.Errorf("dial %s: %v: %w", address, err, types.ErrDisconnected))
		c.onFailure()
		return fmt.Errorf("fail to connect to %s: %v: %w", address, err, types.ErrDisconnected)
	}

	c.generation++
	gen = c.generation
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.exhausted = false
	c.hadSession = true
	subs := make(map[string][]Filter, len(c.subscriptions))
	for id, sub := range c.subscriptions {
		subs[id] = sub.filters
	}
	c.mu.Unlock()

	c.logger.WithField("address", address).Info("relay connected")
	c.metrics.IncCounter("relay.connect", nil)
	go c.readLoop(conn, gen)
	for id, filters := range subs {
		if err := c.sendReq(id, filters); err != nil {
			c.logger.WithField("subscription", id).WithError(err).Warn("fail to restore subscription")
		}
	}
	c.notifyState(StateConnected, address)
	return nil
}

// teardownLocked closes the live session without scheduling a reconnect.
// The caller holds c.mu.
func (c *Connection) teardownLocked() {
	c.generation++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.failWaitersLocked()
}

func (c *Connection) failWaitersLocked() {
	for id, ch := range c.waiters {
		select {
		case ch <- okResult{success: false, message: "disconnected"}:
		default:
		}
		delete(c.waiters, id)
	}
}

func (c *Connection) stopTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

func (c *Connection) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) handleDrop(gen uint64, cause error) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	address := c.address
	c.conn = nil
	c.state = StateDisconnected
	c.generation++
	c.failWaitersLocked()
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address": address,
	}).WithError(cause).Warn("relay session dropped")
	c.notifyState(StateDisconnected, address)
	c.notifyError(fmt.Errorf("relay session dropped: %v: %w", cause, types.ErrDisconnected))
	c.onFailure()
}

// onFailure schedules the next reconnect, or reports exhaustion once the
// attempt ceiling is reached.
func (c *Connection) onFailure() {
	c.mu.Lock()
	if c.suspended || c.address == "" {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.maxAttempts {
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()
		c.metrics.IncCounter("relay.reconnect.exhausted", nil)
		c.logger.WithField("attempts", attempts).Error("relay reconnect attempts exhausted")
		c.notifyError(fmt.Errorf("after %d attempts: %w", attempts, types.ErrMaxReconnectAttempts))
		return
	}
	c.attempts++
	delay := ReconnectDelay(c.base, c.cap, c.attempts)
	c.stopTimerLocked()
	c.reconnectTimer = c.scheduler.AfterFunc(delay, c.reconnect)
	attempt := c.attempts
	c.mu.Unlock()

	c.metrics.IncCounter("relay.reconnect.scheduled", nil)
	c.logger.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
	}).Info("relay reconnect scheduled")
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.suspended || c.state != StateDisconnected || c.address == "" {
		c.mu.Unlock()
		return
	}
	address := c.address
	c.mu.Unlock()
	_ = c.open(context.Background(), address)
}

// Close ends the session and stops reconnecting.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil && c.reconnectTimer == nil {
		c.hadSession = false
		c.mu.Unlock()
		return nil
	}
	address := c.address
	c.stopTimerLocked()
	c.teardownLocked()
	c.hadSession = false
	c.mu.Unlock()
	c.notifyState(StateDisconnected, address)
	return nil
}

// ForceReconnect resets the attempt counter and reopens the last session. A
// dial already in flight is waited for; when it connects, it is kept.
func (c *Connection) ForceReconnect(ctx context.Context) error {
	var address string
	for {
		c.mu.Lock()
		address = c.address
		if address == "" {
			c.mu.Unlock()
			return fmt.Errorf("no relay address to reconnect to: %w", types.ErrDisconnected)
		}
		c.attempts = 0
		c.exhausted = false
		c.stopTimerLocked()
		done := c.dialDone
		if done == nil {
			break
		}
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
		connected := c.state == StateConnected && c.address == address
		c.mu.Unlock()
		if connected {
			return nil
		}
	}
	c.teardownLocked()
	c.mu.Unlock()
	c.metrics.IncCounter("relay.reconnect.forced", nil)
	return c.open(ctx, address)
}

// Suspend stops reconnect scheduling while the host is backgrounded. A live
// session is kept.
func (c *Connection) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspended = true
	c.stopTimerLocked()
	c.logger.Debug("relay suspended")
}

// Resume re-enables reconnects and dials at once when a previous session
// dropped while suspended.
func (c *Connection) Resume() {
	c.mu.Lock()
	c.suspended = false
	redial := c.state == StateDisconnected && c.hadSession && !c.exhausted && c.address != ""
	address := c.address
	c.mu.Unlock()
	c.logger.Debug("relay resumed")
	if redial {
		go func() {
			_ = c.open(context.Background(), address)
		}()
	}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:         c.state.String(),
		Address:       c.address,
		Attempts:      c.attempts,
		Suspended:     c.suspended,
		Exhausted:     c.exhausted,
		Subscriptions: len(c.subscriptions),
		Waiters:       len(c.waiters),
	}
}

func (c *Connection) send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.ErrDisconnected
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("fail to write to relay: %v: %w", err, types.ErrDisconnected)
	}
	return nil
}

// PublishAndWait sends payload and waits for the relay's OK for eventID. It
// returns false on rejection, on a send failure or when no OK arrives within
// timeout (the configured publish timeout when zero). The waiter is always
// removed, so eventID may be published again.
func (c *Connection) PublishAndWait(ctx context.Context, eventID string, payload []byte, timeout time.Duration) bool {
	ok, _ := c.publishAndWait(ctx, eventID, payload, timeout)
	return ok
}

func (c *Connection) publishAndWait(ctx context.Context, eventID string, payload []byte, timeout time.Duration) (bool, error) {
	defer c.metrics.MeasureTime("relay.publish.latency", time.Now(), nil)
	if timeout <= 0 {
		timeout = c.publishTimeout
	}
	ch := make(chan okResult, 1)
	c.mu.Lock()
	if _, exists := c.waiters[eventID]; exists {
		c.mu.Unlock()
		return false, fmt.Errorf("event %s already in flight: %w", eventID, types.ErrPublishRejected)
	}
	c.waiters[eventID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiters[eventID] == ch {
			delete(c.waiters, eventID)
		}
		c.mu.Unlock()
	}()

	if err := c.send(payload); err != nil {
		c.metrics.IncCounter("relay.publish.error", nil)
		return false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if !res.success {
			c.metrics.IncCounter("relay.publish.rejected", nil)
			return false, fmt.Errorf("event %s: %s: %w", eventID, res.message, types.ErrPublishRejected)
		}
		c.metrics.IncCounter("relay.publish.ok", nil)
		return true, nil
	case <-timer.C:
		c.metrics.IncCounter("relay.publish.timeout", nil)
		c.logger.WithField("event", eventID).Warn("relay publish timed out")
		return false, fmt.Errorf("event %s: %w", eventID, types.ErrTimeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Publish sends a signed event and waits for its acknowledgment.
func (c *Connection) Publish(ctx context.Context, ev *Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("fail to encode event: %w", err)
	}
	ok, err := c.publishAndWait(ctx, ev.ID, payload, 0)
	if ok {
		return nil
	}
	return err
}

// Subscribe registers handler for events matching filters and sends the
// request when connected. Subscriptions are restored after a reconnect.
func (c *Connection) Subscribe(filters []Filter, handler SubscriptionHandler) (string, error) {
	id := uuid.New().String()
	c.mu.Lock()
	c.subscriptions[id] = subscription{filters: filters, handler: handler}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if connected {
		if err := c.sendReq(id, filters); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (c *Connection) Unsubscribe(id string) error {
	c.mu.Lock()
	_, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !ok || !connected {
		return nil
	}
	frame, err := encodeClose(id)
	if err != nil {
		return err
	}
	return c.send(frame)
}

func (c *Connection) sendReq(id string, filters []Filter) error {
	frame, err := encodeReq(id, filters)
	if err != nil {
		return fmt.Errorf("fail to encode subscription: %w", err)
	}
	return c.send(frame)
}

// dispatch routes one inbound frame. OK and NOTICE are consumed here; every
// other message goes to its subscription handler and then to observers.
func (c *Connection) dispatch(data []byte) {
	msg, err := ParseInbound(data)
	if err != nil {
		c.logger.WithError(err).Warn("dropping malformed relay frame")
		c.notifyError(err)
		return
	}
	switch m := msg.(type) {
	case *OKMessage:
		c.mu.Lock()
		ch, ok := c.waiters[m.EventID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- okResult{success: m.Success, message: m.Message}:
			default:
			}
		} else {
			c.logger.WithField("event", m.EventID).Debug("OK without waiter")
		}
		if !m.Success {
			c.notifyError(fmt.Errorf("event %s: %s: %w", m.EventID, m.Message, types.ErrPublishRejected))
		}
		return
	case *NoticeMessage:
		c.logger.WithField("notice", m.Text).Warn("relay notice")
		for _, o := range c.snapshotObservers() {
			o.OnNotice(m.Text)
		}
		return
	}

	if subID := subscriptionOf(msg); subID != "" {
		c.mu.Lock()
		sub, ok := c.subscriptions[subID]
		c.mu.Unlock()
		if ok && sub.handler != nil {
			sub.handler(msg)
		}
	}
	for _, o := range c.snapshotObservers() {
		o.OnMessage(msg)
	}
}

// IsTerminal reports whether err means reconnection has given up.
func IsTerminal(err error) bool {
	return errors.Is(err, types.ErrMaxReconnectAttempts)
}
