package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire Types
// ============================================================================

// RealtimeCommand is a client-to-server command (WebSocket only).
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// subscribePayload scopes a WebSocket subscription.
type subscribePayload struct {
	Collection string `json:"collection"`
	Filter     string `json:"filter"`
}

// subscriptionRequest sets the topics of an SSE client.
type subscriptionRequest struct {
	ClientID      string   `json:"clientId"`
	Subscriptions []string `json:"subscriptions"`
}

// subscriptionTopic names every record of q's collection, narrowed to the
// owner by a filter in the topic options.
func subscriptionTopic(q SubscribeQuery) string {
	opts, _ := json.Marshal(map[string]any{
		"query": map[string]string{"filter": ownerFilter(q.Collection, q.OwnerKey)},
	})
	return q.Collection.Name + "/*?options=" + url.QueryEscape(string(opts))
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures realtime subscriptions.
type RealtimeConfig struct {
	Token         string
	AutoReconnect bool
	// MaxReconnectAttempts caps consecutive failed reconnects; negative
	// retries forever.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	// HeartbeatInterval is the WebSocket ping period.
	HeartbeatInterval time.Duration
	// StaleTimeout closes an SSE connection that has been silent this long.
	StaleTimeout time.Duration
	HTTPClient   *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.StaleTimeout == 0 {
		c.StaleTimeout = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeConn is a realtime subscription over some transport.
type RealtimeConn interface {
	Subscription
	Connect(ctx context.Context) error
	OnRecord(h func(RecordEvent))
	State() RealtimeState
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	coll Collection

	mu             sync.RWMutex
	onRecord       []func(RecordEvent)
	onConnected    []func()
	onDisconnected []func(error)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher(coll Collection) *eventDispatcher {
	return &eventDispatcher{coll: coll}
}

// dispatch decodes one envelope and hands it to every record handler.
// Handlers run on the read loop so events are applied in delivery order.
func (d *eventDispatcher) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		log.WithField("collection", d.coll.Name).Warn("dropping malformed realtime payload")
		return
	}
	action := gjson.GetBytes(data, "action").String()
	if action == "" {
		// acks and other control frames
		return
	}
	record := gjson.GetBytes(data, "record")
	if !record.IsObject() {
		log.WithFields(log.Fields{"collection": d.coll.Name, "action": action}).Warn("realtime event without record")
		return
	}
	e, err := decodeRecordJSON(d.coll, []byte(record.Raw))
	if err != nil || e.ID == "" {
		log.WithFields(log.Fields{"collection": d.coll.Name, "action": action}).Warn("realtime record has no id")
		return
	}
	ev := RecordEvent{Action: Action(action), Record: e}

	d.mu.RLock()
	handlers := append([]func(RecordEvent){}, d.onRecord...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// A connection that stayed up this long resets the attempt counter.
const stableConnection = 60 * time.Second

type reconnector struct {
	mu          sync.Mutex
	backoff     *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBaseDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnector{backoff: b, maxAttempts: config.MaxReconnectAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the attempt number and how long to wait before it.
func (r *reconnector) nextDelay() (int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.resetLocked()
	}
	r.attempt++
	return r.attempt, r.backoff.NextBackOff()
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.resetLocked()
	r.mu.Unlock()
}

func (r *reconnector) resetLocked() {
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.backoff.Reset()
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// realtimeSession is one established transport connection.
type realtimeSession interface {
	// read dispatches payloads until the connection ends.
	read(ctx context.Context, dispatch func([]byte)) error
	close()
}

type openFunc func(ctx context.Context) (realtimeSession, error)

// realtimeConn runs the connect/read/reconnect cycle shared by the
// transports.
type realtimeConn struct {
	transport  string
	config     *RealtimeConfig
	query      SubscribeQuery
	dispatcher *eventDispatcher
	recon      *reconnector
	open       openFunc

	mu       sync.Mutex
	state    RealtimeState
	cancelFn context.CancelFunc
}

func newRealtimeConn(transport string, q SubscribeQuery, config *RealtimeConfig) *realtimeConn {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	return &realtimeConn{
		transport:  transport,
		config:     config,
		query:      q,
		dispatcher: newEventDispatcher(q.Collection),
		recon:      newReconnector(config),
		state:      StateDisconnected,
	}
}

func (c *realtimeConn) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"transport":  c.transport,
		"collection": c.query.Collection.Name,
		"owner":      c.query.OwnerKey,
	})
}

// OnRecord registers a handler for record events.
func (c *realtimeConn) OnRecord(h func(RecordEvent)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onRecord = append(c.dispatcher.onRecord, h)
	c.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for every successful (re)connect.
func (c *realtimeConn) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for unexpected connection loss.
func (c *realtimeConn) OnDisconnected(h func(err error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler called before each reconnect attempt.
func (c *realtimeConn) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *realtimeConn) State() RealtimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *realtimeConn) setState(s RealtimeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect establishes the connection. ctx bounds the handshake only; the
// connection lives until Unsubscribe.
func (c *realtimeConn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	if c.cancelFn != nil {
		c.cancelFn()
	}
	lifetime, cancel := context.WithCancel(context.Background())
	c.cancelFn = cancel
	c.mu.Unlock()
	c.recon.reset()

	attemptCtx, attemptCancel := context.WithCancel(lifetime)
	stop := context.AfterFunc(ctx, attemptCancel)
	sess, err := c.open(attemptCtx)
	if !stop() && err == nil {
		sess.close()
		err = ctx.Err()
	}
	if err != nil {
		attemptCancel()
		c.mu.Lock()
		if c.cancelFn != nil {
			c.cancelFn()
			c.cancelFn = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		return errors.Wrapf(err, "%s connect", c.transport)
	}

	if !c.connected() {
		// Unsubscribed during the handshake.
		attemptCancel()
		sess.close()
		return nil
	}
	go c.loop(lifetime, attemptCtx, attemptCancel, sess)
	return nil
}

// connected moves a connecting client to connected unless it was closed
// in the meantime.
func (c *realtimeConn) connected() bool {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateReconnecting {
		c.mu.Unlock()
		return false
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.recon.markConnected()
	c.dispatcher.emitConnected()
	c.logger().Debug("realtime connected")
	return true
}

func (c *realtimeConn) loop(lifetime, ctx context.Context, cancel context.CancelFunc, sess realtimeSession) {
	for {
		err := sess.read(ctx, c.dispatcher.dispatch)
		cancel()
		sess.close()
		if lifetime.Err() != nil {
			return
		}

		c.setState(StateDisconnected)
		c.logger().WithError(err).Warn("realtime connection lost")
		c.dispatcher.emitDisconnected(err)
		if !c.config.AutoReconnect {
			return
		}

		sess, ctx, cancel = c.reconnect(lifetime)
		if sess == nil {
			return
		}
	}
}

func (c *realtimeConn) reconnect(lifetime context.Context) (realtimeSession, context.Context, context.CancelFunc) {
	for c.recon.shouldReconnect() {
		attempt, delay := c.recon.nextDelay()
		c.setState(StateReconnecting)
		c.dispatcher.emitReconnecting(attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-lifetime.Done():
			timer.Stop()
			return nil, nil, nil
		case <-timer.C:
		}

		ctx, cancel := context.WithCancel(lifetime)
		sess, err := c.open(ctx)
		if err != nil {
			cancel()
			c.logger().WithError(err).WithField("attempt", attempt).Warn("realtime reconnect failed")
			continue
		}
		if !c.connected() {
			cancel()
			sess.close()
			return nil, nil, nil
		}
		return sess, ctx, cancel
	}
	c.setState(StateDisconnected)
	c.logger().Error("giving up on realtime connection")
	return nil, nil, nil
}

// Unsubscribe closes the connection and stops reconnecting. Events already
// being dispatched may still complete. Safe to call more than once.
func (c *realtimeConn) Unsubscribe() error {
	c.mu.Lock()
	cancel := c.cancelFn
	c.cancelFn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// ============================================================================
// RealtimeSSEClient
// ============================================================================

// RealtimeSSEClient subscribes to record events over Server-Sent Events.
type RealtimeSSEClient struct {
	*realtimeConn
	baseURL string
}

// NewRealtimeSSEClient creates an SSE subscription for q. Call Connect to
// start it.
func NewRealtimeSSEClient(baseURL string, q SubscribeQuery, config *RealtimeConfig) *RealtimeSSEClient {
	sse := &RealtimeSSEClient{
		realtimeConn: newRealtimeConn("sse", q, config),
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
	sse.open = sse.dial
	return sse
}

// dial opens the event stream, waits for the PB_CONNECT event that names
// the client, then registers the subscription topic for that client.
func (sse *RealtimeSSEClient) dial(ctx context.Context) (realtimeSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sse.baseURL+"/api/realtime", nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	events := newSSEReader(resp.Body)
	ev, err := events.Next()
	if err != nil {
		resp.Body.Close()
		return nil, errors.Wrap(err, "read connect event")
	}
	clientID := gjson.Get(ev.Data, "clientId").String()
	if ev.Event != connectEvent || clientID == "" {
		resp.Body.Close()
		return nil, errors.Errorf("expected %s event, got %q", connectEvent, ev.Event)
	}

	if err := sse.register(ctx, clientID); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return &sseSession{resp: resp, events: events, staleAfter: sse.config.StaleTimeout}, nil
}

const connectEvent = "PB_CONNECT"

// register sets the client's subscriptions to the single topic for the
// query.
func (sse *RealtimeSSEClient) register(ctx context.Context, clientID string) error {
	body, err := json.Marshal(subscriptionRequest{
		ClientID:      clientID,
		Subscriptions: []string{subscriptionTopic(sse.query)},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sse.baseURL+"/api/realtime", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", sse.config.Token)
	}

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "register subscription")
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("register subscription: HTTP %d", resp.StatusCode)
	}
	return nil
}

type sseSession struct {
	resp       *http.Response
	events     *sseReader
	staleAfter time.Duration
	lastData   atomic.Int64
}

func (s *sseSession) read(ctx context.Context, dispatch func([]byte)) error {
	s.lastData.Store(time.Now().UnixNano())
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go s.watchdog(watchCtx)

	s.events.onLine = func() { s.lastData.Store(time.Now().UnixNano()) }
	for {
		ev, err := s.events.Next()
		if err != nil {
			return err
		}
		if ev.Data != "" {
			dispatch([]byte(ev.Data))
		}
	}
}

// watchdog closes the body once nothing, not even a heartbeat comment, has
// arrived for staleAfter.
func (s *sseSession) watchdog(ctx context.Context) {
	ticker := time.NewTicker(s.staleAfter / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastData.Load())) > s.staleAfter {
				s.resp.Body.Close()
				return
			}
		}
	}
}

func (s *sseSession) close() {
	s.resp.Body.Close()
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient subscribes to record events over a WebSocket.
type RealtimeWSClient struct {
	*realtimeConn
	baseURL string
}

// NewRealtimeWSClient creates a WebSocket subscription for q. Call Connect
// to start it.
func NewRealtimeWSClient(baseURL string, q SubscribeQuery, config *RealtimeConfig) *RealtimeWSClient {
	ws := &RealtimeWSClient{
		realtimeConn: newRealtimeConn("ws", q, config),
		baseURL:      strings.TrimRight(baseURL, "/"),
	}
	ws.open = ws.dial
	return ws
}

func wsURL(baseURL string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

func (ws *RealtimeWSClient) dial(ctx context.Context) (realtimeSession, error) {
	u := wsURL(ws.baseURL) + "/api/realtime/ws"
	if ws.config.Token != "" {
		u += "?token=" + url.QueryEscape(ws.config.Token)
	}

	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}

	cmd, err := json.Marshal(&RealtimeCommand{
		Type: "subscribe",
		Payload: subscribePayload{
			Collection: ws.query.Collection.Name,
			Filter:     ownerFilter(ws.query.Collection, ws.query.OwnerKey),
		},
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, cmd); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, errors.Wrap(err, "send subscribe")
	}
	return &wsSession{conn: conn, heartbeat: ws.config.HeartbeatInterval}, nil
}

type wsSession struct {
	conn      *websocket.Conn
	heartbeat time.Duration
}

func (s *wsSession) read(ctx context.Context, dispatch func([]byte)) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go s.heartbeatLoop(hbCtx)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		dispatch(data)
	}
}

func (s *wsSession) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (s *wsSession) close() {
	s.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
}
