// Package tab implements one game server connection: handshake, key
// exchange, inbound dispatch into the world model and outbound commands.
package tab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"deltatabs/keys"
	"deltatabs/logging"
	"deltatabs/master"
	"deltatabs/proto"
	"deltatabs/sched"
	"deltatabs/session"
	"deltatabs/world"
)

type State int32

const (
	Idle State = iota
	Connecting
	HandshakeSent
	KeyExchanged
	Active
	Closing
	Closed
)

var stateNames = [...]string{"idle", "connecting", "handshake-sent", "key-exchanged", "active", "closing", "closed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

const (
	HeartbeatInterval = time.Second
	TeamTimeout       = 2 * time.Second
	inboundQueue      = 64
)

// Events are invoked from the connection's dispatch goroutine, except
// OnClose which runs on whichever goroutine closed the connection.
type Events struct {
	OnActive      func(c *Conn)
	OnSpawn       func(c *Conn)
	OnLeaderboard func(c *Conn, entries []proto.LeaderEntry)
	OnChat        func(c *Conn, m proto.ChatMessage)
	OnTeam        func(c *Conn, players []proto.TeamPlayer)
	OnGhosts      func(c *Conn, ghosts []proto.Ghost)
	OnMapOffsets  func(c *Conn, m proto.MapOffsets)
	OnClose       func(c *Conn, err error)
}

// CaptchaSolver turns a challenge into an answer token. Solve may block
// for as long as a human needs.
type CaptchaSolver interface {
	Solve(ctx context.Context, siteKey string) (string, error)
}

type Options struct {
	Dialer   Dialer
	Events   Events
	Captcha  CaptchaSolver
	Strategy keys.Strategy

	// ShiftFrom returns the reference map bounds. When set, coordinates
	// are moved into the reference space once this server's bounds are
	// known.
	ShiftFrom func() (proto.MapOffsets, bool)
}

type Conn struct {
	sess   *session.Session
	role   world.Role
	target master.Target
	opts   Options
	cipher *keys.Cipher

	state atomic.Int32

	mu          sync.Mutex
	sock        Socket
	hb          *sched.Task
	offsets     proto.MapOffsets
	haveOffsets bool
	shiftX      float64
	shiftY      float64
	selfID      uint32
	viewport    proto.Viewport
	serverDiff  time.Duration
	cursorX     float64
	cursorY     float64
	haveCursor  bool
	spectateX   float64
	spectateY   float64
	spectating  bool
	team        map[uint32]*proto.TeamPlayer

	ctx    context.Context
	cancel context.CancelFunc
	in     chan []byte

	active     chan struct{}
	activeOnce sync.Once
	spawned    chan struct{} // guarded by mu; replaced for each new life
	spawnAcked bool
	closed     chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func New(sess *session.Session, role world.Role, target master.Target, opts Options) *Conn {
	if opts.Strategy == nil {
		opts.Strategy = keys.Lookup(int(target.ProtocolVersion))
	}
	if opts.Dialer == nil {
		opts.Dialer = WSDialer{Origin: sess.Config.Origin, HandshakeTimeout: sess.Config.HandshakeTimeout()}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		sess:    sess,
		role:    role,
		target:  target,
		opts:    opts,
		cipher:  keys.NewCipher(opts.Strategy),
		team:    make(map[uint32]*proto.TeamPlayer),
		ctx:     ctx,
		cancel:  cancel,
		in:      make(chan []byte, inboundQueue),
		active:  make(chan struct{}),
		spawned: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *Conn) Role() world.Role      { return c.role }
func (c *Conn) Target() master.Target { return c.target }
func (c *Conn) State() State          { return State(c.state.Load()) }
func (c *Conn) Cipher() *keys.Cipher  { return c.cipher }
func (c *Conn) Done() <-chan struct{} { return c.closed }
func (c *Conn) Err() error            { return c.closeErrOrNil() }
func (c *Conn) tag() string           { return c.role.String() }

func (c *Conn) SelfID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

func (c *Conn) Viewport() proto.Viewport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// ServerLag is local time minus the last reported server time.
func (c *Conn) ServerLag() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverDiff
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// setState moves the state forward. Backward moves are ignored.
func (c *Conn) setState(s State) bool {
	for {
		cur := c.state.Load()
		if int32(s) <= cur {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			logging.Debugf("tab %s: %s -> %s", c.tag(), State(cur), s)
			return true
		}
	}
}

// Open dials the server, starts the inbound pipeline and sends the
// handshake. It returns once the handshake is written; use WaitActive to
// wait for the key exchange and map bounds.
func (c *Conn) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(Idle), int32(Connecting)) {
		return fmt.Errorf("tab %s: open in state %s", c.tag(), c.State())
	}
	sock, err := c.opts.Dialer.Dial(ctx, c.target.Address)
	if err != nil {
		c.sess.Stats.Connect(c.tag(), false)
		cerr := &ConnectError{Role: c.role, Addr: c.target.Address, Err: err}
		c.closeWith(cerr)
		return cerr
	}
	c.mu.Lock()
	if c.State() >= Closing {
		c.mu.Unlock()
		_ = sock.Close()
		return ErrClosed
	}
	c.sock = sock
	c.hb = c.sess.Sched.Every(HeartbeatInterval, c.heartbeat)
	c.mu.Unlock()
	c.sess.Stats.Connect(c.tag(), true)

	go c.readLoop(sock)
	go c.dispatchLoop()

	for _, msg := range proto.Handshake(c.target.ProtocolVersion, c.target.ClientVersion) {
		if err := c.sendPlain(msg); err != nil {
			cerr := &ConnectError{Role: c.role, Addr: c.target.Address, Err: err}
			c.closeWith(cerr)
			return cerr
		}
	}
	c.setState(HandshakeSent)
	return nil
}

// WaitActive blocks until the connection is active, closes, or ctx ends.
// A ctx deadline is reported as ErrHandshakeTimeout.
func (c *Conn) WaitActive(ctx context.Context) error {
	select {
	case <-c.active:
		return nil
	case <-c.closed:
		return c.closeErrOrNil()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return ctx.Err()
	}
}

// Connect opens the connection and waits up to timeout for it to become
// active. On failure the connection is closed.
func (c *Conn) Connect(ctx context.Context, timeout time.Duration) error {
	if err := c.Open(ctx); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := c.WaitActive(wctx); err != nil {
		c.closeWith(err)
		return err
	}
	return nil
}

func (c *Conn) closeErrOrNil() error {
	select {
	case <-c.closed:
	default:
		return nil
	}
	if c.closeErr == nil {
		return ErrClosed
	}
	return c.closeErr
}

// Disconnect closes the connection. It is safe to call more than once and
// from any goroutine; the heartbeat is cancelled before it returns.
func (c *Conn) Disconnect() { c.closeWith(nil) }

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.setState(Closing)
		c.mu.Lock()
		hb, sock := c.hb, c.sock
		c.mu.Unlock()
		hb.Cancel()
		c.cancel()
		if sock != nil {
			_ = sock.Close()
		}
		if err != nil {
			logging.Debugf("tab %s: closed: %v", c.tag(), err)
		}
		c.closeErr = err
		c.setState(Closed)
		close(c.closed)
		if c.opts.Events.OnClose != nil {
			c.opts.Events.OnClose(c, err)
		}
	})
}

func (c *Conn) readLoop(sock Socket) {
	for {
		msg, err := sock.ReadMessage()
		if err != nil {
			if c.State() < Closing {
				logging.Warnf("tab %s: read: %v", c.tag(), err)
				c.closeWith(err)
			}
			return
		}
		if c.sess.Capture != nil {
			if err := c.sess.Capture.Record(c.role, msg, c.sess.Now()); err != nil {
				logging.Debugf("tab %s: capture: %v", c.tag(), err)
			}
		}
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case msg := <-c.in:
			_ = c.Dispatch(msg)
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) write(msg []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil || c.State() >= Closing {
		return ErrClosed
	}
	if err := sock.WriteMessage(msg); err != nil {
		return err
	}
	c.sess.Stats.Sent(c.tag(), len(msg))
	logging.Packet("send "+c.tag(), msg)
	return nil
}

func (c *Conn) sendPlain(msg []byte) error { return c.write(msg) }

// Send obfuscates msg with the connection key and writes it.
func (c *Conn) Send(msg []byte) error {
	return c.write(c.cipher.Obfuscate(msg))
}

// Spawned reports whether the current life has been acknowledged.
func (c *Conn) Spawned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spawnAcked
}

// Spawn asks the server for a new life. When the player is dead the
// acknowledgement is re-armed, so WaitSpawn waits for the next own cell.
func (c *Conn) Spawn(nick, token string) error {
	if !c.sess.World.Alive(c.role) {
		c.mu.Lock()
		if c.spawnAcked {
			c.spawned = make(chan struct{})
			c.spawnAcked = false
		}
		c.mu.Unlock()
	}
	return c.Send(proto.Spawn(nick, token))
}

// ackSpawn resolves the pending life on its first own cell.
func (c *Conn) ackSpawn() {
	c.mu.Lock()
	if c.spawnAcked {
		c.mu.Unlock()
		return
	}
	c.spawnAcked = true
	ch := c.spawned
	c.mu.Unlock()
	if c.opts.Events.OnSpawn != nil {
		c.opts.Events.OnSpawn(c)
	}
	close(ch)
}

// WaitSpawn blocks until the server acknowledges the spawn with the first
// own cell.
func (c *Conn) WaitSpawn(ctx context.Context) error {
	c.mu.Lock()
	spawned := c.spawned
	c.mu.Unlock()
	select {
	case <-spawned:
		return nil
	case <-c.closed:
		return c.closeErrOrNil()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Spectate() error     { return c.Send(proto.Action(proto.OutSpectate)) }
func (c *Conn) FreeSpectate() error { return c.Send(proto.Action(proto.OutFreeSpectate)) }
func (c *Conn) Split() error        { return c.Send(proto.Action(proto.OutSplit)) }
func (c *Conn) Feed() error         { return c.Send(proto.Action(proto.OutFeed)) }

// SpectateAt spectates and parks the view at (x, y), given relative to the
// map's minimum corner. The heartbeat keeps re-sending the position.
func (c *Conn) SpectateAt(x, y float64) error {
	c.mu.Lock()
	c.spectateX, c.spectateY, c.spectating = x, y, true
	c.mu.Unlock()
	if err := c.Spectate(); err != nil {
		return err
	}
	return c.sendPosition()
}

// Move points the player at (x, y) in server coordinates.
func (c *Conn) Move(x, y float64) error {
	c.mu.Lock()
	c.cursorX, c.cursorY, c.haveCursor = x, y, true
	c.mu.Unlock()
	return c.sendPosition()
}

func (c *Conn) Login(token string, kind byte) error {
	return c.Send(proto.Login(token, c.target.ClientVersionString, kind))
}

// MapOffsets returns the server's map bounds once known.
func (c *Conn) MapOffsets() (proto.MapOffsets, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offsets, c.haveOffsets
}

// SetShift sets the offset added to every inbound coordinate.
func (c *Conn) SetShift(dx, dy float64) {
	c.mu.Lock()
	c.shiftX, c.shiftY = dx, dy
	c.mu.Unlock()
}

func (c *Conn) Shift() (dx, dy float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shiftX, c.shiftY
}

// position resolves where the next position update should point.
func (c *Conn) position() (x, y float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.role.Kind == world.Tiled && c.spectating:
		if !c.haveOffsets {
			return 0, 0, false
		}
		return c.offsets.MinX + c.spectateX, c.offsets.MinY + c.spectateY, true
	case c.haveCursor:
		return c.cursorX, c.cursorY, true
	}
	return 0, 0, false
}

func (c *Conn) sendPosition() error {
	x, y, ok := c.position()
	if !ok {
		// fall back to the centre of our own cells
		cx, cy, alive := c.sess.World.Center(c.role)
		if !alive {
			return nil
		}
		dx, dy := c.Shift()
		x, y = cx-dx, cy-dy
	}
	return c.Send(proto.Position(int32(x), int32(y), c.cipher.Key()))
}

func (c *Conn) heartbeat(now time.Time) {
	if c.State() != Active {
		return
	}
	c.sweepTeam(now)
	switch {
	case c.role.Kind == world.Tiled:
		if err := c.sendPosition(); err != nil {
			logging.Debugf("tab %s: heartbeat: %v", c.tag(), err)
		}
	case c.role.Player() && c.sess.World.Alive(c.role):
		if err := c.sendPosition(); err != nil {
			logging.Debugf("tab %s: heartbeat: %v", c.tag(), err)
		}
	}
}
