package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
)

const DefaultStreamURL = "wss://stream.binance.com:9443/ws"

// Feed opens one websocket connection per (symbol, channel) subscription.
// It never reconnects on its own; re-subscribing is the owner's call.
type Feed struct {
	baseURL      string
	dialer       *websocket.Dialer
	logger       *logrus.Logger
	metrics      *metrics.Metrics
	depthLevels  int
	pingInterval time.Duration

	active atomic.Int64
}

type FeedOption func(*Feed)

func WithDialer(d *websocket.Dialer) FeedOption {
	return func(f *Feed) {
		f.dialer = d
	}
}

func WithFeedMetrics(m *metrics.Metrics) FeedOption {
	return func(f *Feed) {
		f.metrics = m
	}
}

// WithDepthLevels sets the partial depth stream size (5, 10 or 20).
func WithDepthLevels(n int) FeedOption {
	return func(f *Feed) {
		f.depthLevels = n
	}
}

// WithPingInterval sets the keepalive ping period. Zero disables pings.
func WithPingInterval(d time.Duration) FeedOption {
	return func(f *Feed) {
		f.pingInterval = d
	}
}

func NewFeed(streamURL string, logger *logrus.Logger, opts ...FeedOption) *Feed {
	if streamURL == "" {
		streamURL = DefaultStreamURL
	}
	f := &Feed{
		baseURL:      strings.TrimSuffix(streamURL, "/"),
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:       logger,
		depthLevels:  20,
		pingInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Active reports the number of open subscriptions.
func (f *Feed) Active() int {
	return int(f.active.Load())
}

type subscribeConfig struct {
	onError func(error)
	onClose func()
}

type SubscribeOption func(*subscribeConfig)

// OnError registers a callback for the error that ended the subscription. It
// fires at most once and never for an owner-initiated Close.
func OnError(fn func(error)) SubscribeOption {
	return func(c *subscribeConfig) {
		c.onError = fn
	}
}

// OnClose registers a callback fired once when the subscription ends for any
// reason. It runs before Close returns.
func OnClose(fn func()) SubscribeOption {
	return func(c *subscribeConfig) {
		c.onClose = fn
	}
}

// Subscribe dials the stream for symbol/channel and starts delivering
// normalized events. Cancelling ctx closes the subscription.
func (f *Feed) Subscribe(ctx context.Context, symbol string, channel models.Channel, opts ...SubscribeOption) (*Subscription, error) {
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	stream, err := streamName(symbol, channel, f.depthLevels)
	if err != nil {
		return nil, err
	}

	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	conn, _, err := f.dialer.DialContext(ctx, f.baseURL+"/"+stream, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s stream: %w", stream, err)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		symbol:  strings.ToUpper(symbol),
		channel: channel,
		conn:    conn,
		feed:    f,
		events:  make(chan models.MarketEvent),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		onError: cfg.onError,
		onClose: cfg.onClose,
		logger: f.logger.WithFields(logrus.Fields{
			"symbol":  strings.ToUpper(symbol),
			"channel": string(channel),
		}),
	}
	sub.lastEvent.Store(time.Now().UnixNano())

	f.active.Add(1)
	f.metrics.ConnectionOpened()
	sub.logger.WithField("subscription", sub.id).Debug("Subscribed")

	sub.wg.Add(1)
	if f.pingInterval > 0 {
		sub.wg.Add(1)
	}
	sub.stopCtx = context.AfterFunc(ctx, sub.Close)

	go sub.readLoop()
	if f.pingInterval > 0 {
		go sub.keepAlive(f.pingInterval)
	}

	return sub, nil
}

// Subscription is one live stream. Events are delivered in arrival order on
// an unbuffered channel that is closed when the subscription ends.
type Subscription struct {
	id      string
	symbol  string
	channel models.Channel
	conn    *websocket.Conn
	feed    *Feed
	logger  *logrus.Entry

	events  chan models.MarketEvent
	done    chan struct{}
	closing chan struct{}

	onError func(error)
	onClose func()
	stopCtx func() bool

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error

	lastEvent atomic.Int64
}

func (s *Subscription) ID() string              { return s.id }
func (s *Subscription) Symbol() string          { return s.symbol }
func (s *Subscription) Channel() models.Channel { return s.channel }

func (s *Subscription) Events() <-chan models.MarketEvent {
	return s.events
}

// Done is closed once the subscription has ended and no more events will be
// delivered.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the subscription, or nil if it is still
// running, was closed by its owner or was closed normally by the server.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastEvent is the receive time of the most recent delivered event, or the
// subscribe time if none has arrived.
func (s *Subscription) LastEvent() time.Time {
	return time.Unix(0, s.lastEvent.Load())
}

// Close tears the connection down and waits for the reader to exit. It is
// idempotent. Callbacks must not call Close on their own subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		s.conn.Close()
	})
	s.wg.Wait()
}

func (s *Subscription) readLoop() {
	defer s.wg.Done()
	defer func() {
		if s.stopCtx != nil {
			s.stopCtx()
		}
		s.conn.Close()
		close(s.events)
		s.feed.active.Add(-1)
		s.feed.metrics.ConnectionClosed()
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	}()

	channel := string(s.channel)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.fail(err)
			}
			return
		}

		received := time.Now()
		ev, err := decodeEvent(s.symbol, s.channel, data, received)
		if err != nil {
			s.logger.WithError(err).Warn("Dropping stream payload")
			s.feed.metrics.RecordFeedDropped(channel, "malformed")
			continue
		}

		select {
		case s.events <- ev:
			s.lastEvent.Store(received.UnixNano())
			s.feed.metrics.RecordFeedEvent(channel)
		case <-s.closing:
			return
		}
	}
}

func (s *Subscription) keepAlive(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.closing:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.logger.WithError(err).Debug("Failed to send ping")
				return
			}
		}
	}
}

// fail records why the reader stopped. A normal close from the server is a
// clean end: only OnClose fires and Err stays nil.
func (s *Subscription) fail(err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Info("Stream closed by server")
		return
	}
	s.logger.WithError(err).Error("Stream connection failed")

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if s.onError != nil {
		s.onError(err)
	}
}

// Stream holds at most one subscription. Subscribing again tears the previous
// one down before the new connection is dialed.
type Stream struct {
	feed *Feed

	mu      sync.Mutex
	current *Subscription
}

func (f *Feed) NewStream() *Stream {
	return &Stream{feed: f}
}

func (st *Stream) Subscribe(ctx context.Context, symbol string, channel models.Channel, opts ...SubscribeOption) (*Subscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.current != nil {
		st.current.Close()
		st.current = nil
	}

	sub, err := st.feed.Subscribe(ctx, symbol, channel, opts...)
	if err != nil {
		return nil, err
	}
	st.current = sub
	return sub, nil
}

func (st *Stream) Current() *Subscription {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current
}

func (st *Stream) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.current != nil {
		st.current.Close()
		st.current = nil
	}
}
