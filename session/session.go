// Package session ties the per-session collaborators together. A Session
// is built once and handed to every connection and to the orchestrator.
package session

import (
	"context"
	"time"

	"github.com/hako/durafmt"
	"golang.org/x/sync/errgroup"

	"deltatabs/capture"
	"deltatabs/config"
	"deltatabs/interp"
	"deltatabs/logging"
	"deltatabs/netstats"
	"deltatabs/proto"
	"deltatabs/sched"
	"deltatabs/world"
)

type Status string

const (
	Connecting   Status = "CONNECTING"
	Connected    Status = "CONNECTED"
	Disconnected Status = "DISCONNECTED"
)

// Bridge receives one-way notifications for the front end.
type Bridge interface {
	Status(role world.Role, st Status)
	Leaderboard(role world.Role, entries []proto.LeaderEntry)
	Chat(author, text string)
	Team(players []proto.TeamPlayer)
}

// NopBridge drops every notification.
type NopBridge struct{}

func (NopBridge) Status(world.Role, Status)                   {}
func (NopBridge) Leaderboard(world.Role, []proto.LeaderEntry) {}
func (NopBridge) Chat(string, string)                         {}
func (NopBridge) Team([]proto.TeamPlayer)                     {}

// GameAuthor is the chat author for client notices.
const GameAuthor = "Game"

// LinkInterval is how often team links are recomputed.
const LinkInterval = 500 * time.Millisecond

var shortUnits, _ = durafmt.DefaultUnitsCoder.Decode("y:yrs,wk:wks,d:d,h:h,m:m,s:s,ms:ms,us:us")

type Session struct {
	Config  config.Settings
	World   *world.Model
	Engine  *interp.Engine
	Sched   *sched.Scheduler
	Bridge  Bridge
	Stats   *netstats.Stats
	Capture *capture.Recorder

	// Clock is read for every timestamp the session hands out.
	Clock func() time.Time

	Started time.Time
	last    time.Time
}

func New(cfg config.Settings, b Bridge) *Session {
	if b == nil {
		b = NopBridge{}
	}
	s := &Session{
		Config: cfg,
		World:  world.New(),
		Engine: interp.New(interp.FromSettings(cfg.Interp())),
		Sched:  sched.New(),
		Bridge: b,
		Stats:  netstats.New(cfg.StatsFile),
		Clock:  time.Now,
	}
	s.Started = s.Now()
	s.Sched.Every(LinkInterval, func(time.Time) { s.World.LinkTeams() })
	s.Sched.Every(time.Minute, func(time.Time) {
		if err := s.Stats.Save(); err != nil {
			logging.Warnf("%v", err)
		}
	})
	return s
}

func (s *Session) Now() time.Time { return s.Clock() }

// Notice posts a client message to the chat.
func (s *Session) Notice(text string) {
	s.Bridge.Chat(GameAuthor, text)
}

// Step runs one tick: due scheduler tasks, then interpolation.
func (s *Session) Step(now time.Time) {
	dt := time.Duration(0)
	if !s.last.IsZero() {
		dt = now.Sub(s.last)
	}
	s.last = now
	s.Sched.Tick(now)
	s.World.Advance(dt, s.Engine)
}

// Run ticks at fps until ctx ends or one of workers fails. Workers run in
// the same errgroup and share its context.
func (s *Session) Run(ctx context.Context, fps int, workers ...func(context.Context) error) error {
	if fps <= 0 {
		fps = 60
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTicker(time.Second / time.Duration(fps))
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				s.Step(s.Now())
			}
		}
	})
	for _, w := range workers {
		w := w
		g.Go(func() error { return w(gctx) })
	}
	err := g.Wait()
	if serr := s.Stats.Save(); serr != nil {
		logging.Warnf("%v", serr)
	}
	return err
}

// Uptime formats the time since the session started.
func (s *Session) Uptime() string {
	return FormatDuration(s.Now().Sub(s.Started))
}

func FormatDuration(d time.Duration) string {
	if d < time.Second {
		d = d.Round(time.Millisecond)
	} else {
		d = d.Round(time.Second)
	}
	return durafmt.Parse(d).LimitFirstN(2).Format(shortUnits)
}
