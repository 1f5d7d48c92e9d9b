package tab

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"deltatabs/logging"
	"deltatabs/proto"
	"deltatabs/wire"
	"deltatabs/world"
)

var errUnknownOpcode = errors.New("unknown opcode")

// Dispatch handles one inbound frame. Malformed frames are dropped and
// reported; the connection stays open. It is called from the dispatch
// goroutine, or directly when replaying a capture.
func (c *Conn) Dispatch(frame []byte) error {
	c.sess.Stats.Frame(c.tag(), len(frame))
	logging.Packet("recv "+c.tag(), frame)
	if len(frame) == 0 {
		c.sess.Stats.Dropped(c.tag())
		return fmt.Errorf("tab %s: empty frame: %w", c.tag(), wire.ErrTruncated)
	}
	op, body := frame[0], frame[1:]
	if err := c.handle(op, body); err != nil {
		if errors.Is(err, wire.ErrDecompression) {
			c.sess.Stats.DecompressFailed(c.tag())
		} else {
			c.sess.Stats.Dropped(c.tag())
		}
		logging.Debugf("tab %s: drop %s: %v", c.tag(), proto.OpName(op), err)
		return err
	}
	return nil
}

func (c *Conn) handle(op byte, body []byte) error {
	switch op {
	case proto.OpSelfID:
		id, err := proto.DecodeID(body)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.selfID = id
		c.mu.Unlock()
	case proto.OpRefresh:
		return c.sendPosition()
	case proto.OpViewport, proto.OpViewportAlt:
		v, err := proto.DecodeViewport(body)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.viewport = v
		c.mu.Unlock()
	case proto.OpFlush:
		c.sess.World.ClearRole(c.role)
	case proto.OpTeamRoster:
		p, err := proto.DecodeTeamRoster(body)
		if err != nil {
			return err
		}
		c.rosterJoin(p)
	case proto.OpTeamPosition:
		p, err := proto.DecodeTeamPosition(body)
		if err != nil {
			return err
		}
		c.rosterMove(p)
	case proto.OpAddOwnCell:
		id, err := proto.DecodeID(body)
		if err != nil {
			return err
		}
		c.sess.World.AddOwnCell(c.role, id)
		c.ackSpawn()
	case proto.OpLeaderboard, proto.OpLeaderboardAlt:
		lb, err := proto.DecodeLeaderboard(body)
		if err != nil {
			return err
		}
		if c.opts.Events.OnLeaderboard != nil {
			c.opts.Events.OnLeaderboard(c, lb)
		}
	case proto.OpGhostCells:
		g, err := proto.DecodeGhosts(body)
		if err != nil {
			return err
		}
		if c.opts.Events.OnGhosts != nil {
			c.opts.Events.OnGhosts(c, g)
		}
	case proto.OpCaptcha:
		key, err := proto.DecodeCaptcha(body)
		if err != nil {
			return err
		}
		c.captcha(key)
	case proto.OpChat:
		m, err := proto.DecodeChat(body)
		if err != nil {
			return err
		}
		if c.opts.Events.OnChat != nil {
			c.opts.Events.OnChat(c, m)
		}
	case proto.OpLogin:
		logging.Debugf("tab %s: login frame, %d bytes", c.tag(), len(body))
	case proto.OpServerDeath:
		c.sess.Notice(fmt.Sprintf("Server of %s tab is shutting down.", c.tag()))
	case proto.OpSpectateFull:
		c.sess.Notice("Spectate slots are full.")
	case proto.OpOutdated:
		c.sess.Notice("Client version is outdated.")
		c.closeWith(ErrOutdated)
	case proto.OpPing:
		v, err := proto.DecodePing(body)
		if err != nil {
			return err
		}
		return c.Send(proto.Pong(v))
	case proto.OpKeySeed:
		key, rest, err := proto.DecodeKeySeed(body)
		if err != nil {
			return err
		}
		c.cipher.Seed(key, c.target.Address, rest)
		c.setState(KeyExchanged)
		c.maybeActivate()
	case proto.OpServerTime:
		ts, err := proto.DecodeServerTime(body)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.serverDiff = c.sess.Now().Sub(ts)
		c.mu.Unlock()
	case proto.OpCompressed:
		inner, err := wire.Decompress(body)
		if err != nil {
			return err
		}
		if len(inner) == 0 {
			return fmt.Errorf("empty envelope: %w", wire.ErrTruncated)
		}
		return c.handleEmbedded(inner[0], inner[1:])
	default:
		return fmt.Errorf("%w %d", errUnknownOpcode, op)
	}
	return nil
}

func (c *Conn) handleEmbedded(op byte, body []byte) error {
	switch op {
	case proto.OpWorldUpdate:
		u, err := proto.DecodeWorldUpdate(body)
		if err != nil {
			return err
		}
		dx, dy := c.Shift()
		c.sess.World.Apply(c.role, u.Delta(dx, dy))
	case proto.OpMapOffset:
		m, err := proto.DecodeMapOffsets(body)
		if err != nil {
			return err
		}
		c.setOffsets(m)
	default:
		return fmt.Errorf("%w %d in envelope", errUnknownOpcode, op)
	}
	return nil
}

func (c *Conn) setOffsets(m proto.MapOffsets) {
	var dx, dy float64
	var shift bool
	if c.opts.ShiftFrom != nil {
		if ref, ok := c.opts.ShiftFrom(); ok {
			dx, dy = m.ShiftTo(ref)
			shift = true
		}
	}
	c.mu.Lock()
	c.offsets, c.haveOffsets = m, true
	if shift {
		c.shiftX, c.shiftY = dx, dy
	}
	c.mu.Unlock()
	logging.Debugf("tab %s: map %.0f,%.0f .. %.0f,%.0f shift %.0f,%.0f", c.tag(), m.MinX, m.MinY, m.MaxX, m.MaxY, dx, dy)
	if c.opts.Events.OnMapOffsets != nil {
		c.opts.Events.OnMapOffsets(c, m)
	}
	c.maybeActivate()
}

// maybeActivate promotes the connection once both the key and the map
// bounds have arrived.
func (c *Conn) maybeActivate() {
	if c.State() != KeyExchanged {
		return
	}
	c.mu.Lock()
	ready := c.haveOffsets
	c.mu.Unlock()
	if !ready || !c.setState(Active) {
		return
	}
	if c.opts.Events.OnActive != nil {
		c.opts.Events.OnActive(c)
	}
	c.activeOnce.Do(func() { close(c.active) })
}

func (c *Conn) captcha(siteKey string) {
	if c.opts.Captcha == nil {
		c.sess.Notice("Captcha requested but no solver is configured.")
		return
	}
	go func() {
		token, err := c.opts.Captcha.Solve(c.ctx, siteKey)
		if err != nil {
			logging.Warnf("tab %s: captcha: %v", c.tag(), err)
			c.sess.Notice("Captcha was not solved.")
			return
		}
		if err := c.Send(proto.CaptchaAnswer(token)); err != nil {
			logging.Warnf("tab %s: captcha answer: %v", c.tag(), err)
		}
	}()
}

func (c *Conn) rosterJoin(p proto.TeamPlayer) {
	p.Updated = c.sess.Now()
	c.mu.Lock()
	if old, ok := c.team[p.ID]; ok {
		p.X, p.Y, p.Mass, p.Alive = old.X, old.Y, old.Mass, old.Alive
	}
	c.team[p.ID] = &p
	c.mu.Unlock()
	c.publishTeam()
}

func (c *Conn) rosterMove(pos proto.TeamPosition) {
	c.mu.Lock()
	p, ok := c.team[pos.ID]
	if !ok {
		p = &proto.TeamPlayer{ID: pos.ID}
		c.team[pos.ID] = p
	}
	p.X, p.Y, p.Mass = pos.X, pos.Y, pos.Mass
	p.Alive = pos.Mass > 0
	p.Updated = c.sess.Now()
	c.mu.Unlock()
	c.publishTeam()
}

// sweepTeam marks members without a fresh position as dead.
func (c *Conn) sweepTeam(now time.Time) {
	changed := false
	c.mu.Lock()
	for _, p := range c.team {
		if p.Alive && (now.Sub(p.Updated) > TeamTimeout || p.Mass == 0) {
			p.Alive = false
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		c.publishTeam()
	}
}

// Team returns a copy of the roster ordered by id.
func (c *Conn) Team() []proto.TeamPlayer {
	c.mu.Lock()
	out := make([]proto.TeamPlayer, 0, len(c.team))
	for _, p := range c.team {
		out = append(out, *p)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b proto.TeamPlayer) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (c *Conn) publishTeam() {
	players := c.Team()
	ids := make([]world.Identity, 0, len(players))
	for _, p := range players {
		if p.Alive && p.Nick != "" {
			ids = append(ids, world.Identity{Name: p.Nick, Color: p.Color})
		}
	}
	c.sess.World.MarkTeam(ids)
	if c.opts.Events.OnTeam != nil {
		c.opts.Events.OnTeam(c, players)
	}
}
