package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/internal/tlsutil"
	"github.com/BaSui01/convoflow/types"
)

// ClientConfig configures a RelayClient.
type ClientConfig struct {
	URL            string        `yaml:"url" json:"url" env:"URL"`
	DialTimeout    time.Duration `yaml:"dial_timeout" json:"dial_timeout" env:"DIAL_TIMEOUT"`
	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout" env:"PUBLISH_TIMEOUT"` // 0 = do not wait for OK
	ReadLimit      int64         `yaml:"read_limit" json:"read_limit" env:"READ_LIMIT"`
	BufferSize     int           `yaml:"buffer_size" json:"buffer_size" env:"BUFFER_SIZE"`
}

// DefaultClientConfig returns the defaults for url.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		DialTimeout:    10 * time.Second,
		PublishTimeout: 5 * time.Second,
		ReadLimit:      1 << 20,
		BufferSize:     256,
	}
}

// ErrClientClosed is returned after Close or after the connection dropped.
var ErrClientClosed = errors.New("nostr: relay client closed")

// RejectedError is a negative "OK" from the relay.
type RejectedError struct {
	EventID string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("relay rejected %s: %s", e.EventID, e.Reason)
}

type okResult struct {
	accepted bool
	reason   string
}

// RelayClient publishes to and subscribes from one relay.
type RelayClient struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	subs    map[string]*Subscription
	pending map[string]chan okResult
	closed  bool
	err     error

	done chan struct{}
}

// NewRelayClient creates a disconnected client.
func NewRelayClient(cfg ClientConfig, logger *zap.Logger) *RelayClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultClientConfig(cfg.URL)
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &RelayClient{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "relay_client"), zap.String("url", cfg.URL)),
		subs:    make(map[string]*Subscription),
		pending: make(map[string]chan okResult),
		done:    make(chan struct{}),
	}
}

// Connect dials the relay and starts the read loop.
func (c *RelayClient) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{HTTPClient: tlsutil.RelayHTTPClient()})
	if err != nil {
		return types.NewTransportError("relay dial", err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return ErrClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	c.logger.Info("connected to relay")
	return nil
}

// Done is closed when the connection ends.
func (c *RelayClient) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended.
func (c *RelayClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *RelayClient) connection() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		return nil, types.NewTransportError("relay not connected", nil)
	}
	return c.conn, nil
}

// Publish sends ev and, when PublishTimeout is set and ev has an id, waits
// for the relay's acknowledgement.
func (c *RelayClient) Publish(ctx context.Context, ev *types.Event) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	var ack chan okResult
	wait := c.cfg.PublishTimeout > 0 && ev.ID != ""
	if wait {
		ack = make(chan okResult, 1)
		c.mu.Lock()
		c.pending[ev.ID] = ack
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.pending, ev.ID)
			c.mu.Unlock()
		}()
	}

	if err := wsjson.Write(ctx, conn, []any{labelEvent, toWire(ev)}); err != nil {
		return types.NewTransportError("relay publish", err)
	}
	if !wait {
		return nil
	}

	timer := time.NewTimer(c.cfg.PublishTimeout)
	defer timer.Stop()
	select {
	case res := <-ack:
		if !res.accepted {
			return &RejectedError{EventID: ev.ID, Reason: res.reason}
		}
		return nil
	case <-timer.C:
		return types.NewTransportError(fmt.Sprintf("relay did not acknowledge %s", ev.ID), context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// Subscription receives the events matching its filters.
type Subscription struct {
	ID     string
	Events <-chan types.Event
	// EOSE is closed once the relay has sent all stored events.
	EOSE <-chan struct{}

	events   chan types.Event
	eose     chan struct{}
	eoseOnce sync.Once
	client   *RelayClient
	once     sync.Once
}

// Subscribe opens a subscription.
func (c *RelayClient) Subscribe(ctx context.Context, filters ...Filter) (*Subscription, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	if len(filters) == 0 {
		filters = []Filter{{}}
	}

	events := make(chan types.Event, c.cfg.BufferSize)
	eose := make(chan struct{})
	sub := &Subscription{
		ID:     uuid.NewString(),
		Events: events,
		EOSE:   eose,
		events: events,
		eose:   eose,
		client: c,
	}

	c.mu.Lock()
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	req := []any{labelReq, sub.ID}
	for _, f := range filters {
		req = append(req, f)
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		c.dropSub(sub.ID)
		return nil, types.NewTransportError("relay subscribe", err)
	}
	c.logger.Debug("subscribed", zap.String("subscription", sub.ID), zap.Int("filters", len(filters)))
	return sub, nil
}

// Close ends the subscription on the relay and closes Events.
func (s *Subscription) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.client.dropSub(s.ID)
		conn, cerr := s.client.connection()
		if cerr != nil {
			return
		}
		err = wsjson.Write(ctx, conn, []any{labelClose, s.ID})
	})
	return err
}

func (s *Subscription) finish() {
	s.eoseOnce.Do(func() { close(s.eose) })
	close(s.events)
}

func (c *RelayClient) dropSub(id string) {
	c.mu.Lock()
	sub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		sub.finish()
	}
}

// Close closes the connection. Open subscriptions are ended.
func (c *RelayClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		c.shutdown(nil)
		return nil
	}
	// the read loop observes the close and calls shutdown
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func (c *RelayClient) readLoop(conn *websocket.Conn) {
	ctx := context.Background()
	for {
		var raw []json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			status := websocket.CloseStatus(err)
			c.mu.Lock()
			local := c.closed
			c.mu.Unlock()
			if local || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				err = nil
			}
			c.shutdown(err)
			return
		}
		f, err := decodeFrame(raw)
		if err != nil {
			c.logger.Warn("bad frame from relay", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *RelayClient) dispatch(f frame) {
	switch f.label {
	case labelEvent:
		if len(f.args) < 2 {
			return
		}
		var w wireEvent
		if err := json.Unmarshal(f.args[1], &w); err != nil {
			c.logger.Warn("bad event from relay", zap.Error(err))
			return
		}
		// deliver under the lock so dropSub cannot close the channel mid-send
		c.mu.Lock()
		defer c.mu.Unlock()
		sub := c.subs[f.str(0)]
		if sub == nil {
			return
		}
		select {
		case sub.events <- w.event():
		default:
			c.logger.Warn("subscription buffer full, dropping event",
				zap.String("subscription", sub.ID), zap.String("event_id", w.ID))
		}
	case labelEOSE:
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub := c.subs[f.str(0)]; sub != nil {
			sub.eoseOnce.Do(func() { close(sub.eose) })
		}
	case labelOK:
		c.mu.Lock()
		ack := c.pending[f.str(0)]
		c.mu.Unlock()
		if ack != nil {
			select {
			case ack <- okResult{accepted: f.boolean(1), reason: f.str(2)}:
			default:
			}
		}
	case labelClosed:
		c.logger.Info("relay closed subscription", zap.String("subscription", f.str(0)), zap.String("reason", f.str(1)))
		c.dropSub(f.str(0))
	case labelNotice:
		c.logger.Info("relay notice", zap.String("message", f.str(0)))
	default:
		c.logger.Debug("unhandled relay frame", zap.String("label", f.label))
	}
}

func (c *RelayClient) shutdown(err error) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	c.closed = true
	c.err = err
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	close(c.done)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
	if err != nil {
		c.logger.Warn("relay connection lost", zap.Error(err))
	}
}
