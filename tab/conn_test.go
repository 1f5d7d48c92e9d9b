package tab

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"deltatabs/config"
	"deltatabs/keys"
	"deltatabs/master"
	"deltatabs/proto"
	"deltatabs/session"
	"deltatabs/wire"
	"deltatabs/world"
)

// fakeSocket hands out queued frames and records every write.
type fakeSocket struct {
	reads chan []byte
	wrote chan []byte

	mu     sync.Mutex
	writes [][]byte
	closes int
	done   chan struct{}
	once   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		reads: make(chan []byte, 16),
		wrote: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case m := <-s.reads:
		return m, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closes > 0 {
		return io.ErrClosedPipe
	}
	cp := append([]byte(nil), msg...)
	s.writes = append(s.writes, cp)
	select {
	case s.wrote <- cp:
	default:
	}
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSocket) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func (s *fakeSocket) next(t *testing.T) []byte {
	t.Helper()
	select {
	case m := <-s.wrote:
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("no write")
		return nil
	}
}

type fakeDialer struct {
	sock  *fakeSocket
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, addr string) (Socket, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.sock, nil
}

const testAddr = "wss://live-arena-abc.agar.io:443"

func testSession() *session.Session {
	cfg := config.Default
	cfg.StatsFile = ""
	return session.New(cfg, nil)
}

func testTarget() master.Target {
	return master.Target{
		Address:             testAddr,
		ProtocolVersion:     keys.MurmurVersion,
		ClientVersion:       31009,
		ClientVersionString: "3.10.9",
	}
}

func newTestConn(t *testing.T, role world.Role, opts Options) (*Conn, *fakeSocket, *session.Session) {
	t.Helper()
	sess := testSession()
	sock := newFakeSocket()
	if opts.Dialer == nil {
		opts.Dialer = &fakeDialer{sock: sock}
	}
	c := New(sess, role, testTarget(), opts)
	t.Cleanup(c.Disconnect)
	return c, sock, sess
}

var seedTail = []byte{9, 8, 7, 6, 5, 4, 3, 2, 1}

func keyFrame(k uint32) []byte { return proto.KeySeed(k, seedTail) }

func offsetsFrame(t *testing.T, m proto.MapOffsets) []byte {
	t.Helper()
	f, err := proto.Compressed(proto.EncodeMapOffsets(m))
	if err != nil {
		t.Fatalf("Compressed: %v", err)
	}
	return f
}

var testMap = proto.MapOffsets{MinX: -7071, MinY: -7071, MaxX: 7071, MaxY: 7071}

// activate opens c and plays the key exchange and map bounds. It returns
// a server side cipher that mirrors c's key schedule.
func activate(t *testing.T, c *Conn, sock *fakeSocket, key uint32) *keys.Cipher {
	t.Helper()
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sock.next(t)
	sock.next(t)
	sock.reads <- keyFrame(key)
	sock.reads <- offsetsFrame(t, testMap)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitActive(ctx); err != nil {
		t.Fatalf("WaitActive: %v", err)
	}
	mirror := keys.NewCipher(keys.Murmur{})
	mirror.Seed(key, testAddr, seedTail)
	return mirror
}

func TestOpenSendsHandshake(t *testing.T) {
	c, sock, _ := newTestConn(t, world.RolePrimary, Options{})
	if err := c.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.State() != HandshakeSent {
		t.Fatalf("state = %s", c.State())
	}
	w := sock.written()
	if len(w) != 2 {
		t.Fatalf("writes = %d", len(w))
	}
	if !bytes.Equal(w[0], []byte{254, 22, 0, 0, 0}) {
		t.Fatalf("protocol frame % x", w[0])
	}
	if !bytes.Equal(w[1], []byte{255, 0x21, 0x79, 0, 0}) {
		t.Fatalf("client version frame % x", w[1])
	}
	if err := c.Open(context.Background()); err == nil {
		t.Fatalf("second Open succeeded")
	}
}

func TestActivationNeedsKeyAndMap(t *testing.T) {
	tests := []struct {
		name  string
		order func(t *testing.T) [][]byte
	}{
		{"key first", func(t *testing.T) [][]byte { return [][]byte{keyFrame(77), offsetsFrame(t, testMap)} }},
		{"map first", func(t *testing.T) [][]byte { return [][]byte{offsetsFrame(t, testMap), keyFrame(77)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var actives int
			c, sock, _ := newTestConn(t, world.RolePrimary, Options{})
			c.opts.Events.OnActive = func(*Conn) { actives++ }
			if err := c.Open(context.Background()); err != nil {
				t.Fatalf("Open: %v", err)
			}
			frames := tt.order(t)
			if err := c.Dispatch(frames[0]); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if c.State() == Active {
				t.Fatalf("active after one frame")
			}
			if err := c.Dispatch(frames[1]); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
			if c.State() != Active || actives != 1 {
				t.Fatalf("state = %s actives = %d", c.State(), actives)
			}
			m, ok := c.MapOffsets()
			if !ok || m != testMap {
				t.Fatalf("offsets = %+v %v", m, ok)
			}
			_ = sock
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	c, _, _ := newTestConn(t, world.RolePrimary, Options{})
	err := c.Connect(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v", err)
	}
	if c.State() != Closed {
		t.Fatalf("state = %s", c.State())
	}
}

func TestConnectError(t *testing.T) {
	refused := errors.New("refused")
	var closes int
	c, _, sess := newTestConn(t, world.RoleSecondary, Options{
		Dialer: &fakeDialer{err: refused},
		Events: Events{OnClose: func(*Conn, error) { closes++ }},
	})
	err := c.Open(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) || !errors.Is(err, refused) || ce.Role != world.RoleSecondary {
		t.Fatalf("err = %v", err)
	}
	if c.State() != Closed || closes != 1 {
		t.Fatalf("state = %s closes = %d", c.State(), closes)
	}
	if got := sess.Stats.Get("secondary").Failures; got != 1 {
		t.Fatalf("failures = %d", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	var closes int
	c, sock, sess := newTestConn(t, world.RolePrimary, Options{
		Events: Events{OnClose: func(*Conn, error) { closes++ }},
	})
	base := sess.Sched.Len()
	activate(t, c, sock, 5)
	if sess.Sched.Len() != base+1 {
		t.Fatalf("heartbeat not registered: %d tasks", sess.Sched.Len())
	}
	c.Disconnect()
	c.Disconnect()
	if closes != 1 {
		t.Fatalf("OnClose fired %d times", closes)
	}
	if sess.Sched.Len() != base {
		t.Fatalf("heartbeat still registered")
	}
	if c.State() != Closed || !errors.Is(c.Err(), ErrClosed) {
		t.Fatalf("state = %s err = %v", c.State(), c.Err())
	}
	if err := c.Spectate(); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}
}

func TestSocketErrorCloses(t *testing.T) {
	closed := make(chan error, 1)
	c, sock, _ := newTestConn(t, world.RoleTopRank, Options{
		Events: Events{OnClose: func(_ *Conn, err error) { closed <- err }},
	})
	activate(t, c, sock, 5)
	sock.Close()
	select {
	case err := <-closed:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("close err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connection not closed")
	}
}

func worldFrame(t *testing.T, u proto.WorldUpdate) []byte {
	t.Helper()
	f, err := proto.Compressed(proto.EncodeWorldUpdate(u))
	if err != nil {
		t.Fatalf("Compressed: %v", err)
	}
	return f
}

func TestWorldUpdateShifted(t *testing.T) {
	c, _, sess := newTestConn(t, world.RoleSecondary, Options{})
	c.SetShift(10, -20)
	u := proto.WorldUpdate{Cells: []proto.CellRecord{{ID: 5, X: 100, Y: 200, R: 50, Color: &world.RGB{R: 1}}}}
	if err := c.Dispatch(worldFrame(t, u)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	e, ok := sess.World.Get(world.Key{Role: world.RoleSecondary, ID: 5})
	if !ok || e.Target.X != 110 || e.Target.Y != 180 || e.Target.R != 50 {
		t.Fatalf("entity = %+v", e)
	}
	if sess.World.Count(world.RolePrimary) != 0 {
		t.Fatalf("update leaked into primary")
	}
}

func TestShiftFromReference(t *testing.T) {
	ref := proto.MapOffsets{MinX: 0, MinY: 0, MaxX: 14142, MaxY: 14142}
	c, _, _ := newTestConn(t, world.Tile(3), Options{
		ShiftFrom: func() (proto.MapOffsets, bool) { return ref, true },
	})
	if err := c.Dispatch(offsetsFrame(t, testMap)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	dx, dy := c.Shift()
	if dx != 7071 || dy != 7071 {
		t.Fatalf("shift = %v,%v", dx, dy)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	c, sock, sess := newTestConn(t, world.RolePrimary, Options{})
	activate(t, c, sock, 5)
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short viewport", []byte{proto.OpViewport, 1, 2}},
		{"unknown", []byte{0x7f}},
		{"bad envelope", []byte{proto.OpCompressed, 10, 0, 0, 0, 0x20, 'a'}},
	}
	for _, tt := range tests {
		if err := c.Dispatch(tt.frame); err == nil {
			t.Fatalf("%s: accepted", tt.name)
		}
	}
	if c.State() != Active {
		t.Fatalf("state = %s", c.State())
	}
	st := sess.Stats.Get("primary")
	if st.Dropped != 4 || st.Decompress != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPingAnsweredObfuscated(t *testing.T) {
	c, sock, _ := newTestConn(t, world.RolePrimary, Options{})
	mirror := activate(t, c, sock, 0xdeadbeef)
	sock.reads <- []byte{proto.OpPing, 0x34, 0x12}
	got := mirror.Obfuscate(sock.next(t))
	if !bytes.Equal(got, proto.Pong(0x1234)) {
		t.Fatalf("pong = % x", got)
	}
	// the key keeps rotating in step
	if err := c.Split(); err != nil {
		t.Fatalf("Split: %v", err)
	}
	if got := mirror.Obfuscate(sock.next(t)); !bytes.Equal(got, []byte{proto.OutSplit}) {
		t.Fatalf("split = % x", got)
	}
}

func TestSpawnAcknowledged(t *testing.T) {
	var spawns int
	c, sock, sess := newTestConn(t, world.RolePrimary, Options{
		Events: Events{OnSpawn: func(*Conn) { spawns++ }},
	})
	mirror := activate(t, c, sock, 11)
	if err := c.Spawn("nick", ""); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if got := mirror.Obfuscate(sock.next(t)); !bytes.Equal(got, proto.Spawn("nick", "")) {
		t.Fatalf("spawn = % x", got)
	}
	w := wire.NewWriter(5)
	w.U8(proto.OpAddOwnCell)
	w.U32(42)
	sock.reads <- w.Bytes()
	sock.reads <- append([]byte(nil), w.Bytes()...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitSpawn(ctx); err != nil {
		t.Fatalf("WaitSpawn: %v", err)
	}
	u := proto.WorldUpdate{Cells: []proto.CellRecord{{ID: 42, R: 30}}}
	if err := c.Dispatch(worldFrame(t, u)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	own := sess.World.OwnCells(world.RolePrimary)
	if len(own) != 1 || own[0] != 42 {
		t.Fatalf("own cells = %v", own)
	}
	if !c.Spawned() {
		t.Fatalf("not spawned")
	}
	c.Disconnect()
	if spawns != 1 {
		t.Fatalf("OnSpawn fired %d times", spawns)
	}
}

func ownCellFrame(id uint32) []byte {
	w := wire.NewWriter(5)
	w.U8(proto.OpAddOwnCell)
	w.U32(id)
	return w.Bytes()
}

// Every life waits for its own acknowledgement.
func TestRespawnWaitsForNewAck(t *testing.T) {
	var mu sync.Mutex
	spawns := 0
	c, sock, sess := newTestConn(t, world.RolePrimary, Options{
		Events: Events{OnSpawn: func(*Conn) {
			mu.Lock()
			spawns++
			mu.Unlock()
		}},
	})
	activate(t, c, sock, 11)
	wait := func(d time.Duration) error {
		ctx, cancel := context.WithTimeout(context.Background(), d)
		defer cancel()
		return c.WaitSpawn(ctx)
	}

	if err := c.Spawn("nick", ""); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sock.reads <- ownCellFrame(42)
	if err := wait(2 * time.Second); err != nil {
		t.Fatalf("first life: %v", err)
	}
	if err := c.Dispatch(worldFrame(t, proto.WorldUpdate{Cells: []proto.CellRecord{{ID: 42, R: 30}}})); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Still alive: spawning again keeps the current life.
	if err := c.Spawn("nick", ""); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !c.Spawned() {
		t.Fatalf("live player lost its acknowledgement")
	}

	sess.World.ClearRole(world.RolePrimary)
	if err := c.Spawn("nick", ""); err != nil {
		t.Fatalf("respawn: %v", err)
	}
	if c.Spawned() {
		t.Fatalf("dead player still reported spawned")
	}
	if err := wait(200 * time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("respawn resolved without acknowledgement: %v", err)
	}

	sock.reads <- ownCellFrame(43)
	if err := wait(2 * time.Second); err != nil {
		t.Fatalf("second life: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if spawns != 2 {
		t.Fatalf("OnSpawn fired %d times, want 2", spawns)
	}
}

func TestOutdatedCloses(t *testing.T) {
	c, sock, _ := newTestConn(t, world.RolePrimary, Options{})
	activate(t, c, sock, 1)
	if err := c.Dispatch([]byte{proto.OpOutdated}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if c.State() != Closed || !errors.Is(c.Err(), ErrOutdated) {
		t.Fatalf("state = %s err = %v", c.State(), c.Err())
	}
}

func TestFlushClearsRole(t *testing.T) {
	c, _, sess := newTestConn(t, world.RoleTopRank, Options{})
	u := proto.WorldUpdate{Cells: []proto.CellRecord{{ID: 1, R: 10}, {ID: 2, R: 10}}}
	if err := c.Dispatch(worldFrame(t, u)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := c.Dispatch([]byte{proto.OpFlush}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n := sess.World.Count(world.RoleTopRank); n != 0 {
		t.Fatalf("count = %d", n)
	}
}

func rosterFrame(id uint32, nick, color string) []byte {
	w := wire.NewWriter(32)
	w.U8(proto.OpTeamRoster)
	w.U32(id)
	w.String(nick)
	w.String("")
	w.String(color)
	return w.Bytes()
}

func positionFrame(id uint32, x, y int32, mass uint32) []byte {
	w := wire.NewWriter(17)
	w.U8(proto.OpTeamPosition)
	w.U32(id)
	w.I32(x)
	w.I32(y)
	w.U32(mass)
	return w.Bytes()
}

func TestTeamSweep(t *testing.T) {
	now := time.Unix(1000, 0)
	var last []proto.TeamPlayer
	c, _, sess := newTestConn(t, world.RolePrimary, Options{
		Events: Events{OnTeam: func(_ *Conn, p []proto.TeamPlayer) { last = p }},
	})
	sess.Clock = func() time.Time { return now }

	if err := c.Dispatch(rosterFrame(7, "mate", "#0a141e")); err != nil {
		t.Fatalf("roster: %v", err)
	}
	if err := c.Dispatch(positionFrame(7, 1, 2, 300)); err != nil {
		t.Fatalf("position: %v", err)
	}
	if len(last) != 1 || !last[0].Alive || last[0].Nick != "mate" || last[0].Mass != 300 {
		t.Fatalf("team = %+v", last)
	}

	// a second roster frame keeps the known position
	if err := c.Dispatch(rosterFrame(7, "mate", "#0a141e")); err != nil {
		t.Fatalf("roster: %v", err)
	}
	if !last[0].Alive || last[0].X != 1 {
		t.Fatalf("roster reset position: %+v", last[0])
	}

	c.sweepTeam(now.Add(TeamTimeout))
	if !c.Team()[0].Alive {
		t.Fatalf("member expired at the timeout boundary")
	}
	c.sweepTeam(now.Add(TeamTimeout + time.Millisecond))
	if last[0].Alive {
		t.Fatalf("stale member still alive")
	}

	if err := c.Dispatch(positionFrame(7, 1, 2, 0)); err != nil {
		t.Fatalf("position: %v", err)
	}
	if last[0].Alive {
		t.Fatalf("zero mass member alive")
	}
}

func TestTeamMarksCells(t *testing.T) {
	c, _, sess := newTestConn(t, world.RolePrimary, Options{})
	u := proto.WorldUpdate{Cells: []proto.CellRecord{
		{ID: 1, R: 40, Name: "mate", Color: &world.RGB{R: 10, G: 20, B: 30}},
		{ID: 2, R: 40, Name: "other", Color: &world.RGB{R: 10, G: 20, B: 30}},
	}}
	if err := c.Dispatch(worldFrame(t, u)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	c.Dispatch(rosterFrame(7, "mate", "#0a141e"))
	c.Dispatch(positionFrame(7, 0, 0, 100))
	mate, _ := sess.World.Get(world.Key{Role: world.RolePrimary, ID: 1})
	other, _ := sess.World.Get(world.Key{Role: world.RolePrimary, ID: 2})
	if !mate.Team || other.Team {
		t.Fatalf("team flags = %v %v", mate.Team, other.Team)
	}
}

func TestTiledHeartbeatResendsSpectate(t *testing.T) {
	c, sock, _ := newTestConn(t, world.Tile(0), Options{})
	mirror := activate(t, c, sock, 3)
	if err := c.SpectateAt(100, 200); err != nil {
		t.Fatalf("SpectateAt: %v", err)
	}
	if got := mirror.Obfuscate(sock.next(t)); !bytes.Equal(got, []byte{proto.OutSpectate}) {
		t.Fatalf("spectate = % x", got)
	}
	want := func(key uint32) []byte {
		return proto.Position(int32(testMap.MinX+100), int32(testMap.MinY+200), key)
	}
	key := mirror.Key()
	if got := mirror.Obfuscate(sock.next(t)); !bytes.Equal(got, want(key)) {
		t.Fatalf("position = % x", got)
	}
	c.heartbeat(time.Now())
	key = mirror.Key()
	if got := mirror.Obfuscate(sock.next(t)); !bytes.Equal(got, want(key)) {
		t.Fatalf("heartbeat position = % x", got)
	}
}

func TestHeartbeatSkipsDeadPlayer(t *testing.T) {
	c, sock, _ := newTestConn(t, world.RolePrimary, Options{})
	activate(t, c, sock, 3)
	c.heartbeat(time.Now())
	if n := len(sock.written()); n != 2 {
		t.Fatalf("dead player sent %d frames", n)
	}
}

type fakeSolver struct {
	siteKey chan string
}

func (s fakeSolver) Solve(ctx context.Context, siteKey string) (string, error) {
	s.siteKey <- siteKey
	return "answer", nil
}

func TestCaptchaDelegated(t *testing.T) {
	solver := fakeSolver{siteKey: make(chan string, 1)}
	c, sock, _ := newTestConn(t, world.RolePrimary, Options{Captcha: solver})
	mirror := activate(t, c, sock, 9)
	w := wire.NewWriter(16)
	w.U8(proto.OpCaptcha)
	w.String("site")
	sock.reads <- w.Bytes()
	if got := <-solver.siteKey; got != "site" {
		t.Fatalf("site key = %q", got)
	}
	if got := mirror.Obfuscate(sock.next(t)); !bytes.Equal(got, proto.CaptchaAnswer("answer")) {
		t.Fatalf("answer = % x", got)
	}
	if c.State() != Active {
		t.Fatalf("state = %s", c.State())
	}
}

func TestStateString(t *testing.T) {
	if Active.String() != "active" || State(42).String() != "state(42)" {
		t.Fatalf("names = %s %s", Active, State(42))
	}
}
