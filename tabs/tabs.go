// Package tabs owns every connection of a session and decides which roles
// are active: the player, the multibox player, the top rank spectator and
// the full map tiles.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"golang.org/x/time/rate"

	"deltatabs/config"
	"deltatabs/logging"
	"deltatabs/master"
	"deltatabs/proto"
	"deltatabs/session"
	"deltatabs/tab"
	"deltatabs/world"
)

const (
	SpectatorAuthor   = "Spectator"
	FreeSpectateDelay = 120 * time.Millisecond
	teardownFanout    = 4
)

var (
	ErrNoPrimary    = errors.New("tabs: main tab is not connected")
	ErrNotAvailable = errors.New("tabs: not available in this mode")
	ErrNoRole       = errors.New("tabs: role is not connected")
	ErrExhausted    = errors.New("tabs: connect attempts exhausted")
)

// TeamJoiner hands the server and party tokens to a team service.
type TeamJoiner interface {
	Join(ctx context.Context, serverToken, partyToken string) error
}

type Options struct {
	Dialer  tab.Dialer
	Captcha tab.CaptchaSolver
	Team    TeamJoiner
}

type Orchestrator struct {
	sess *session.Session
	opts Options

	mu      sync.Mutex
	target  master.Target
	conns   map[world.Role]*tab.Conn
	live    map[*tab.Conn]bool
	topRank bool
	ghosts  []proto.Ghost

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func New(sess *session.Session, opts Options) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sess:     sess,
		opts:     opts,
		conns:    make(map[world.Role]*tab.Conn),
		live:     make(map[*tab.Conn]bool),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
}

func (o *Orchestrator) cfg() config.Settings { return o.sess.Config }

// Conn returns the connection currently serving role.
func (o *Orchestrator) Conn(r world.Role) (*tab.Conn, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.conns[r]
	return c, ok
}

func (o *Orchestrator) Target() master.Target {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.target
}

// Ghosts returns the last ghost cells reported to the main tab.
func (o *Orchestrator) Ghosts() []proto.Ghost {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]proto.Ghost(nil), o.ghosts...)
}

func (o *Orchestrator) primaryOffsets() (proto.MapOffsets, bool) {
	c, ok := o.Conn(world.RolePrimary)
	if !ok {
		return proto.MapOffsets{}, false
	}
	return c.MapOffsets()
}

func (o *Orchestrator) primaryActive() bool {
	c, ok := o.Conn(world.RolePrimary)
	return ok && c.State() == tab.Active
}

// InitPrimary tears everything down, connects the main tab to target and
// then brings up the extra roles the settings ask for. The extra roles
// come up in the background; Wait blocks until they are done.
func (o *Orchestrator) InitPrimary(ctx context.Context, target master.Target) (proto.MapOffsets, error) {
	o.DisconnectAll()

	bgCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.target = target
	o.bgCtx, o.bgCancel = bgCtx, cancel
	o.mu.Unlock()

	if o.opts.Team != nil {
		if err := o.opts.Team.Join(ctx, target.ServerToken, target.PartyToken); err != nil {
			logging.Warnf("team join: %v", err)
		}
	}

	c, err := o.connect(ctx, world.RolePrimary)
	if err != nil {
		return proto.MapOffsets{}, err
	}
	o.sess.Notice("Main player tab connected.")
	offsets, _ := c.MapOffsets()

	cfg := o.cfg()
	switch cfg.SpectatorMode {
	case config.SpectateFullMap:
		o.background(func(ctx context.Context) error { return o.EnableFullMap(ctx) })
	case config.SpectateTopOne:
		o.background(o.ConnectTopRank)
	}
	if cfg.Multibox {
		o.background(o.ConnectSecondary)
	}
	return offsets, nil
}

func (o *Orchestrator) background(fn func(context.Context) error) {
	o.mu.Lock()
	ctx := o.bgCtx
	o.bg.Add(1)
	o.mu.Unlock()
	go func() {
		defer o.bg.Done()
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logging.Warnf("%v", err)
		}
	}()
}

// Wait blocks until every background activation has finished.
func (o *Orchestrator) Wait() { o.bg.Wait() }

// connect runs the retry policy for role and installs the connection.
func (o *Orchestrator) connect(ctx context.Context, r world.Role) (*tab.Conn, error) {
	cfg := o.cfg()
	o.sess.Bridge.Status(r, session.Connecting)
	limiter := rate.NewLimiter(rate.Every(cfg.RetryDelay()), 1)
	target := o.Target()

	var last error
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			last = err
			break
		}
		c := tab.New(o.sess, r, target, o.connOptions(r))
		o.install(r, c)
		err := c.Connect(ctx, cfg.HandshakeTimeout())
		if err == nil {
			o.mu.Lock()
			current := o.conns[r] == c
			if current {
				o.live[c] = true
			}
			o.mu.Unlock()
			if !current {
				c.Disconnect()
				return nil, fmt.Errorf("tabs %s: replaced while connecting: %w", r, tab.ErrClosed)
			}
			o.sess.Bridge.Status(r, session.Connected)
			return c, nil
		}
		last = err
		logging.Warnf("tabs %s: attempt %d/%d: %v", r, attempt, cfg.Retries, err)
		if ctx.Err() != nil {
			break
		}
	}
	o.uninstall(r, nil)
	o.sess.Bridge.Status(r, session.Disconnected)
	return nil, fmt.Errorf("%w: %s: %w", ErrExhausted, r, last)
}

// install makes c the connection for r, closing any previous one.
func (o *Orchestrator) install(r world.Role, c *tab.Conn) {
	o.mu.Lock()
	old := o.conns[r]
	o.conns[r] = c
	o.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
}

// uninstall removes r's connection if it is still c (or any when c is nil).
func (o *Orchestrator) uninstall(r world.Role, c *tab.Conn) *tab.Conn {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.conns[r]
	if !ok || (c != nil && cur != c) {
		return nil
	}
	delete(o.conns, r)
	return cur
}

func (o *Orchestrator) connOptions(r world.Role) tab.Options {
	opts := tab.Options{
		Dialer:  o.opts.Dialer,
		Captcha: o.opts.Captcha,
		Events: tab.Events{
			OnMapOffsets: o.onMapOffsets,
			OnClose:      o.onClose,
		},
	}
	if r != world.RolePrimary {
		opts.ShiftFrom = o.primaryOffsets
	}
	if r.Player() {
		opts.Events.OnLeaderboard = o.onLeaderboard
	}
	if r == world.RolePrimary {
		opts.Events.OnChat = func(_ *tab.Conn, m proto.ChatMessage) { o.sess.Bridge.Chat(m.Author, m.Text) }
		opts.Events.OnTeam = func(_ *tab.Conn, p []proto.TeamPlayer) { o.sess.Bridge.Team(p) }
		opts.Events.OnGhosts = func(_ *tab.Conn, g []proto.Ghost) {
			o.mu.Lock()
			o.ghosts = g
			o.mu.Unlock()
		}
	}
	return opts
}

func (o *Orchestrator) onLeaderboard(c *tab.Conn, entries []proto.LeaderEntry) {
	cfg := o.cfg()
	nick := cfg.Nick
	if c.Role() == world.RoleSecondary {
		nick = cfg.SecondNick
	}
	for i := range entries {
		if entries[i].Me && nick != "" {
			entries[i].Nick = nick
		}
	}
	if c.Role() == world.RolePrimary {
		o.sess.Bridge.Leaderboard(c.Role(), entries)
	}
}

// onMapOffsets re-shifts the other roles when the main tab learns its map.
func (o *Orchestrator) onMapOffsets(c *tab.Conn, m proto.MapOffsets) {
	if c.Role() != world.RolePrimary {
		return
	}
	o.mu.Lock()
	others := make([]*tab.Conn, 0, len(o.conns))
	for r, oc := range o.conns {
		if r != world.RolePrimary {
			others = append(others, oc)
		}
	}
	o.mu.Unlock()
	for _, oc := range others {
		if own, ok := oc.MapOffsets(); ok {
			oc.SetShift(own.ShiftTo(m))
		}
	}
}

var closeNotices = map[world.RoleKind]string{
	world.Primary:   "Main player tab disconnected.",
	world.Secondary: "Second player tab disconnected.",
}

func (o *Orchestrator) onClose(c *tab.Conn, err error) {
	r := c.Role()
	o.mu.Lock()
	wasLive := o.live[c]
	delete(o.live, c)
	current := o.conns[r] == c
	if current && wasLive {
		delete(o.conns, r)
	}
	if r == world.RoleTopRank && wasLive {
		o.topRank = false
	}
	o.mu.Unlock()

	if !wasLive {
		return
	}
	if current {
		o.sess.World.ClearRole(r)
	}
	o.sess.Bridge.Status(r, session.Disconnected)
	if msg, ok := closeNotices[r.Kind]; ok {
		o.sess.Notice(msg)
	}
	if r == world.RolePrimary {
		o.sess.Bridge.Leaderboard(r, nil)
	}
	if err != nil {
		logging.Warnf("tabs %s: %v", r, err)
	}
}

// ConnectSecondary brings up the multibox player tab.
func (o *Orchestrator) ConnectSecondary(ctx context.Context) error {
	if !o.primaryActive() {
		o.sess.Notice("Could not connect second player tab: main tab is not connected yet.")
		return ErrNoPrimary
	}
	o.DisconnectRole(world.RoleSecondary)
	if !o.cfg().Party() {
		o.sess.Notice("Multibox is not available.")
		return fmt.Errorf("%w: multibox", ErrNotAvailable)
	}
	if _, err := o.connect(ctx, world.RoleSecondary); err != nil {
		return err
	}
	o.sess.Notice("Second player tab connected.")
	return nil
}

// ConnectTopRank brings up the spectator that follows the top player.
func (o *Orchestrator) ConnectTopRank(ctx context.Context) error {
	if !o.primaryActive() {
		o.sess.Bridge.Chat(SpectatorAuthor, "Could not connect top one tab. Main tab is not connected yet.")
		return ErrNoPrimary
	}
	o.mu.Lock()
	enabled := o.topRank
	o.mu.Unlock()
	if enabled {
		return nil
	}
	o.DisconnectRole(world.RoleTopRank)
	if !o.cfg().Party() {
		o.sess.Bridge.Chat(SpectatorAuthor, "Top one view is not available.")
		return fmt.Errorf("%w: top one", ErrNotAvailable)
	}
	c, err := o.connect(ctx, world.RoleTopRank)
	if err != nil {
		return err
	}
	if err := c.Spectate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.topRank = true
	o.mu.Unlock()
	o.sess.Bridge.Chat(SpectatorAuthor, "Top one view established.")
	return nil
}

// EnableFullMap connects the top rank spectator and then every tile, one
// after another. Each tile is parked at its grid centre before the next
// one starts.
func (o *Orchestrator) EnableFullMap(ctx context.Context) error {
	if !o.cfg().Party() {
		o.sess.Bridge.Chat(SpectatorAuthor, "Full map is not available.")
		return fmt.Errorf("%w: full map", ErrNotAvailable)
	}
	if !o.primaryActive() {
		logging.Errorf("full map: main tab is not connected yet")
		return ErrNoPrimary
	}
	o.DisconnectFullMap()
	if err := o.ConnectTopRank(ctx); err != nil {
		return err
	}

	begin := o.sess.Now()
	extent := o.cfg().MapExtent
	if m, ok := o.primaryOffsets(); ok && m.Known() {
		extent = m.Width()
	}
	for i, p := range Grid(extent, GridRows, GridCols) {
		r := world.Tile(i)
		c, err := o.connect(ctx, r)
		if err != nil {
			return err
		}
		if err := c.SpectateAt(p.X, p.Y); err != nil {
			return fmt.Errorf("tabs %s: spectate: %w", r, err)
		}
	}
	took := session.FormatDuration(o.sess.Now().Sub(begin))
	o.sess.Bridge.Chat(SpectatorAuthor, fmt.Sprintf("Full map view is established. (%s)", took))
	return nil
}

// DisconnectRole closes role's connection, if any, and always clears its
// partition.
func (o *Orchestrator) DisconnectRole(r world.Role) {
	if c := o.uninstall(r, nil); c != nil {
		c.Disconnect()
	}
	if r == world.RoleTopRank {
		o.mu.Lock()
		o.topRank = false
		o.mu.Unlock()
	}
	o.sess.World.ClearRole(r)
}

// DisconnectFullMap closes the tiles and the top rank spectator.
func (o *Orchestrator) DisconnectFullMap() {
	roles := make([]world.Role, 0, world.TileCount+1)
	for i := 0; i < world.TileCount; i++ {
		roles = append(roles, world.Tile(i))
	}
	o.disconnect(append(roles, world.RoleTopRank))
}

// DisconnectAll stops background activations and closes every connection
// before returning.
func (o *Orchestrator) DisconnectAll() {
	o.mu.Lock()
	o.bgCancel()
	o.mu.Unlock()
	o.bg.Wait()

	o.mu.Lock()
	roles := make([]world.Role, 0, len(o.conns))
	for r := range o.conns {
		roles = append(roles, r)
	}
	o.mu.Unlock()
	o.disconnect(roles)
}

func (o *Orchestrator) disconnect(roles []world.Role) {
	swg := sizedwaitgroup.New(teardownFanout)
	for _, r := range roles {
		swg.Add()
		go func(r world.Role) {
			defer swg.Done()
			o.DisconnectRole(r)
		}(r)
	}
	swg.Wait()
}

// Spawn spawns the player of role and waits for the server to confirm it.
// An empty nick uses the profile nick.
func (o *Orchestrator) Spawn(ctx context.Context, r world.Role, nick string) error {
	if r == world.RoleSecondary && !o.cfg().Party() {
		o.sess.Notice("Multibox is not available.")
		o.DisconnectRole(r)
		return fmt.Errorf("%w: multibox", ErrNotAvailable)
	}
	c, ok := o.Conn(r)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRole, r)
	}
	if nick == "" {
		nick = o.cfg().Nick
		if r == world.RoleSecondary {
			nick = o.cfg().SecondNick
		}
	}
	if err := c.Spawn(nick, ""); err != nil {
		return err
	}
	return c.WaitSpawn(ctx)
}

// SpectateFree spectates on the main tab and switches to free camera
// shortly after.
func (o *Orchestrator) SpectateFree(ctx context.Context) error {
	c, ok := o.Conn(world.RolePrimary)
	if !ok {
		return ErrNoPrimary
	}
	if err := c.Spectate(); err != nil {
		return err
	}
	t := time.NewTimer(FreeSpectateDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}
	return c.FreeSpectate()
}

func (o *Orchestrator) StopFreeSpectate() error {
	c, ok := o.Conn(world.RolePrimary)
	if !ok {
		return ErrNoPrimary
	}
	return c.FreeSpectate()
}
