package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"deltatabs/proto"
	"deltatabs/session"
	"deltatabs/world"
)

// consoleBridge prints session notifications as text lines.
type consoleBridge struct {
	out    io.Writer
	notify func(title, body string)

	mu     sync.Mutex
	status map[world.Role]session.Status
	board  string
}

func newConsoleBridge(out io.Writer) *consoleBridge {
	return &consoleBridge{
		out:    out,
		notify: notifyDesktop,
		status: make(map[world.Role]session.Status),
	}
}

func (b *consoleBridge) Status(r world.Role, st session.Status) {
	b.mu.Lock()
	prev, seen := b.status[r]
	b.status[r] = st
	b.mu.Unlock()
	if seen && prev == st {
		return
	}
	fmt.Fprintf(b.out, "[%s] %s\n", r, st)
	if st == session.Disconnected && prev == session.Connected {
		b.notify(appName, fmt.Sprintf("%s tab disconnected", r))
	}
}

// Leaderboard prints the board when its text changes. A nil board clears
// it.
func (b *consoleBridge) Leaderboard(r world.Role, entries []proto.LeaderEntry) {
	text := formatBoard(entries)
	b.mu.Lock()
	same := text == b.board
	b.board = text
	b.mu.Unlock()
	if same || text == "" {
		return
	}
	fmt.Fprintf(b.out, "[%s] leaderboard\n%s", r, text)
}

func formatBoard(entries []proto.LeaderEntry) string {
	var sb strings.Builder
	for _, e := range entries {
		mark := ""
		switch {
		case e.Me:
			mark = " *"
		case e.Friend:
			mark = " +"
		}
		nick := e.Nick
		if nick == "" {
			nick = "An unnamed cell"
		}
		fmt.Fprintf(&sb, "%3d. %s%s\n", e.Position, nick, mark)
	}
	return sb.String()
}

func (b *consoleBridge) Chat(author, text string) {
	fmt.Fprintf(b.out, "<%s> %s\n", author, text)
}

func (b *consoleBridge) Team(players []proto.TeamPlayer) {
	alive := 0
	for _, p := range players {
		if p.Alive {
			alive++
		}
	}
	fmt.Fprintf(b.out, "team: %d/%d alive\n", alive, len(players))
}

// teamLog prints the tokens a teammate needs to join the same party.
type teamLog struct {
	out io.Writer
}

func (t teamLog) Join(_ context.Context, serverToken, partyToken string) error {
	if partyToken == "" {
		fmt.Fprintf(t.out, "server token %s\n", serverToken)
		return nil
	}
	fmt.Fprintf(t.out, "server token %s, party %s\n", serverToken, partyToken)
	return nil
}
