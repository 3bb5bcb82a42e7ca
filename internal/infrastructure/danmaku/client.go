package danmaku

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bilive-monitor/internal/adapters/api/bili"
	"bilive-monitor/internal/adapters/decoders/blive"
	"bilive-monitor/internal/domain"
	obs "bilive-monitor/internal/infrastructure/observability"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticated
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "idle"
	}
}

// RoomResolver is the slice of the upstream API the client needs to locate
// and authenticate against a chat server.
type RoomResolver interface {
	RoomPlayInfo(ctx context.Context, roomID int64) (bili.RoomPlayInfo, error)
	DanmuInfo(ctx context.Context, roomID int64) (bili.DanmuInfo, error)
	SelfUID(ctx context.Context) (int64, error)
}

const defaultHeartbeatInterval = 30 * time.Second

// Client maintains one chat-server connection for a room: dial, auth,
// heartbeat, frame decoding and event dispatch. An unexpected close while
// authenticated is retried by a supervising loop with a fixed delay until
// Disconnect is called; a failed initial Connect is not retried.
type Client struct {
	resolver   RoomResolver
	dispatcher *Dispatcher
	metrics    *obs.Metrics
	log        zerolog.Logger

	buvid             string
	heartbeatInterval time.Duration
	reconnectDelay    time.Duration

	// Dial is swappable so tests can point the client at a local server.
	Dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	stopCh  chan struct{}
	done    sync.WaitGroup
	roomID  int64 // resolved real room id
	display int64
}

type Options struct {
	RoomID            int64 // display id, short ids allowed
	Buvid             string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

func NewClient(resolver RoomResolver, dispatcher *Dispatcher, metrics *obs.Metrics, log *zerolog.Logger, opts Options) *Client {
	hb := opts.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	c := &Client{
		resolver:          resolver,
		dispatcher:        dispatcher,
		metrics:           metrics,
		log:               log.With().Int64("room", opts.RoomID).Logger(),
		buvid:             opts.Buvid,
		heartbeatInterval: hb,
		reconnectDelay:    delay,
		display:           opts.RoomID,
	}
	c.Dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return c
}

// State returns the current lifecycle phase.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoomID returns the resolved real room id, 0 before the first Connect.
func (c *Client) RoomID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Connect resolves the room, dials a chat server and starts the receive and
// heartbeat loops. Resolution or dial failures surface to the caller and
// leave the client Idle; only post-auth drops are retried automatically.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("danmaku: connect in state %s", c.state)
	}
	c.state = StateConnecting
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	conn, err := c.dialAndAuth(ctx)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	// Disconnect may have run while the dial was in flight; it saw no conn
	// and no loops, so drop the fresh conn instead of starting supervise on
	// a client already back at Idle.
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("danmaku: disconnected during connect")
	}
	c.conn = conn
	c.done.Add(1)
	c.mu.Unlock()

	go c.supervise(conn)
	return nil
}

// Disconnect stops the supervising loop, closes the socket and waits for the
// loops to exit. Safe to call when already idle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateDisconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	close(c.stopCh)
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	c.done.Wait()

	c.mu.Lock()
	c.state = StateIdle
	c.conn = nil
	c.mu.Unlock()
	c.log.Info().Msg("disconnected")
}

func (c *Client) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// dialAndAuth resolves the real room id, fetches the chat-server candidates
// and token, dials a random host and sends the auth frame.
func (c *Client) dialAndAuth(ctx context.Context) (*websocket.Conn, error) {
	play, err := c.resolver.RoomPlayInfo(ctx, c.display)
	if err != nil {
		return nil, fmt.Errorf("resolve room %d: %w", c.display, err)
	}
	roomID := play.RoomID
	if roomID == 0 {
		roomID = c.display
	}
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()

	info, err := c.resolver.DanmuInfo(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("danmu info for room %d: %w", roomID, err)
	}
	if len(info.Hosts) == 0 {
		return nil, fmt.Errorf("danmu info for room %d: empty host list", roomID)
	}

	uid, err := c.resolver.SelfUID(ctx)
	if err != nil {
		c.log.Debug().Err(err).Msg("self uid lookup failed, authenticating anonymously")
		uid = 0
	}

	host := info.Hosts[rand.Intn(len(info.Hosts))]
	url := fmt.Sprintf("wss://%s:%d/sub", host.Host, host.WSSPort)
	conn, err := c.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	auth := map[string]interface{}{
		"uid":      uid,
		"roomid":   roomID,
		"protover": 3,
		"buvid":    c.buvid,
		"platform": "web",
		"type":     2,
		"key":      info.Token,
	}
	frame, err := blive.EncodeJSON(domain.OpUserAuth, auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	c.log.Info().Str("host", host.Host).Int64("real_room", roomID).Msg("connected to chat server")
	return conn, nil
}

// supervise serves one connection at a time and re-dials after unexpected
// closes until Disconnect.
func (c *Client) supervise(conn *websocket.Conn) {
	defer c.done.Done()
	for {
		c.serve(conn)
		conn.Close()
		if c.stopping() {
			return
		}

		c.metrics.ReconnectsTotal.Inc()
		c.log.Warn().Dur("delay", c.reconnectDelay).Msg("connection lost, reconnecting")

		for {
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.reconnectDelay):
			}
			c.mu.Lock()
			c.state = StateConnecting
			c.mu.Unlock()

			next, err := c.dialAndAuth(context.Background())
			if err == nil {
				if c.stopping() {
					next.Close()
					return
				}
				conn = next
				c.mu.Lock()
				c.conn = conn
				c.mu.Unlock()
				break
			}
			c.log.Warn().Err(err).Msg("reconnect failed")
		}
	}
}

// serve reads frames until the connection dies. The heartbeat goroutine is
// gated on the auth ack and stops with the connection.
func (c *Client) serve(conn *websocket.Conn) {
	authCh := make(chan struct{})
	connDone := make(chan struct{})
	defer close(connDone)

	go c.heartbeatLoop(conn, authCh, connDone)

	authed := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !c.stopping() {
				c.log.Warn().Err(err).Msg("read failed")
			}
			if authed {
				c.metrics.ActiveConnections.Dec()
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		packets, err := blive.Decode(data)
		if err != nil {
			c.metrics.DecodeErrorsTotal.Inc()
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping undecodable read")
			continue
		}
		for _, pkt := range packets {
			c.metrics.FramesTotal.WithLabelValues(pkt.Op.String()).Inc()
			switch pkt.Op {
			case domain.OpConnectSuccess:
				if !authed {
					authed = true
					close(authCh)
					c.mu.Lock()
					if c.state == StateConnecting {
						c.state = StateAuthenticated
					}
					c.mu.Unlock()
					c.metrics.ActiveConnections.Inc()
					c.log.Info().Msg("authenticated")
					c.emit(domain.Event{Kind: domain.KindConnected, Cmd: "VERIFICATION_SUCCESSFUL", Raw: []byte(`{}`)})
				}
			case domain.OpHeartbeatReply:
				if popularity, ok := blive.Popularity(pkt.Body); ok {
					c.metrics.Popularity.WithLabelValues(fmt.Sprint(c.RoomID())).Set(float64(popularity))
					raw, _ := json.Marshal(map[string]uint32{"popularity": popularity})
					c.emit(domain.Event{Kind: domain.KindPopularity, Cmd: "POPULARITY", Raw: raw})
				}
			case domain.OpMessage:
				c.handleMessage(pkt.Body)
			}
		}
	}
}

func (c *Client) handleMessage(body []byte) {
	var head struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		c.log.Debug().Err(err).Msg("dropping non-JSON message body")
		return
	}
	kind := domain.KindOf(head.Cmd)
	if kind == domain.KindUnknown {
		return
	}
	c.emit(domain.Event{Kind: kind, Cmd: head.Cmd, Raw: append(json.RawMessage(nil), body...)})
}

func (c *Client) emit(ev domain.Event) {
	c.metrics.EventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	c.dispatcher.Dispatch(ev)
}

// heartbeatLoop sends the first heartbeat once the auth ack arrives, then
// one every interval until the connection goes away.
func (c *Client) heartbeatLoop(conn *websocket.Conn, authCh, connDone <-chan struct{}) {
	select {
	case <-authCh:
	case <-connDone:
		return
	case <-c.stopCh:
		return
	}

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := conn.WriteMessage(websocket.BinaryMessage, blive.Encode(domain.OpHeartbeat, nil)); err != nil {
			return
		}
		select {
		case <-ticker.C:
		case <-connDone:
			return
		case <-c.stopCh:
			return
		}
	}
}
