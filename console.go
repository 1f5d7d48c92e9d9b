package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"deltatabs/logging"
	"deltatabs/netstats"
	"deltatabs/tabs"
	"deltatabs/world"
)

var errQuit = errors.New("quit")

// lockedWriter serialises writes from connection goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// console reads commands from a line-oriented input. Captcha tokens are
// typed into the same input, so the solver lives here too.
type console struct {
	lines   chan string
	out     io.Writer
	captcha *captchaSolver
	stats   *netstats.Stats
}

func newConsole(in io.Reader, out io.Writer) *console {
	w := &lockedWriter{w: out}
	c := &console{
		lines:   make(chan string),
		out:     w,
		captcha: newCaptchaSolver(w),
	}
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			line := sc.Text()
			// Answered here so a spawn blocked on the captcha can finish.
			if tok, ok := strings.CutPrefix(strings.TrimSpace(line), "captcha "); ok {
				if err := c.captcha.Answer(strings.TrimSpace(tok)); err != nil {
					fmt.Fprintf(c.out, "error: %v\n", err)
				}
				continue
			}
			c.lines <- line
		}
		close(c.lines)
	}()
	return c
}

func (c *console) loop(ctx context.Context, o *tabs.Orchestrator) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-c.lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := c.exec(ctx, o, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

const helpText = `commands:
  spawn [nick]      spawn the main player
  spawn2 [nick]     spawn the second player
  split | feed      act on the main player
  move X Y          point the main player at world X Y
  spectate          spectate on the main tab
  free | unfree     toggle free camera on the main tab
  multibox          connect the second player tab
  top               connect the top one spectator
  fullmap           connect the top one and tiled spectators
  drop ROLE         disconnect secondary, toprank, tiles or tile-N
  captcha TOKEN     answer a pending captcha
  status | stats    show connections or traffic counters
  quit
`

func (c *console) exec(ctx context.Context, o *tabs.Orchestrator, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	logging.Debugf("console: %s", line)

	switch cmd {
	case "help", "?":
		fmt.Fprint(c.out, helpText)
	case "quit", "exit":
		return errQuit
	case "spawn":
		return o.Spawn(ctx, world.RolePrimary, strings.Join(args, " "))
	case "spawn2":
		return o.Spawn(ctx, world.RoleSecondary, strings.Join(args, " "))
	case "split", "feed":
		p, ok := o.Conn(world.RolePrimary)
		if !ok {
			return tabs.ErrNoPrimary
		}
		if cmd == "split" {
			return p.Split()
		}
		return p.Feed()
	case "move":
		if len(args) != 2 {
			return fmt.Errorf("usage: move X Y")
		}
		x, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return err
		}
		y, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return err
		}
		p, ok := o.Conn(world.RolePrimary)
		if !ok {
			return tabs.ErrNoPrimary
		}
		return p.Move(x, y)
	case "spectate":
		p, ok := o.Conn(world.RolePrimary)
		if !ok {
			return tabs.ErrNoPrimary
		}
		return p.Spectate()
	case "free":
		return o.SpectateFree(ctx)
	case "unfree":
		return o.StopFreeSpectate()
	case "multibox":
		return o.ConnectSecondary(ctx)
	case "top":
		return o.ConnectTopRank(ctx)
	case "fullmap":
		return o.EnableFullMap(ctx)
	case "drop":
		if len(args) != 1 {
			return fmt.Errorf("usage: drop ROLE")
		}
		if args[0] == "tiles" {
			o.DisconnectFullMap()
			return nil
		}
		r, err := parseRole(args[0])
		if err != nil {
			return err
		}
		o.DisconnectRole(r)
	case "status":
		c.status(o)
	case "stats":
		fmt.Fprint(c.out, c.stats.Summary())
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *console) status(o *tabs.Orchestrator) {
	fmt.Fprintf(c.out, "server %s\n", o.Target())
	for _, r := range allRoles() {
		conn, ok := o.Conn(r)
		if !ok {
			continue
		}
		dx, dy := conn.Shift()
		fmt.Fprintf(c.out, "  %-10s %-12s shift %.0f,%.0f lag %s\n", r, conn.State(), dx, dy, conn.ServerLag())
	}
}

func allRoles() []world.Role {
	out := []world.Role{world.RolePrimary, world.RoleSecondary, world.RoleTopRank}
	for i := 0; i < world.TileCount; i++ {
		out = append(out, world.Tile(i))
	}
	return out
}

func parseRole(s string) (world.Role, error) {
	for _, r := range allRoles() {
		if r.String() == strings.ToLower(s) {
			return r, nil
		}
	}
	return world.Role{}, fmt.Errorf("unknown role %q", s)
}
