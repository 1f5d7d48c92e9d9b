package main

import (
	"context"
	"fmt"
	"time"

	"deltatabs/capture"
	"deltatabs/logging"
	"deltatabs/master"
	"deltatabs/proto"
	"deltatabs/session"
	"deltatabs/tab"
	"deltatabs/world"
)

// replay feeds a recorded capture through offline connections, one per
// recorded role, so the world model rebuilds as it did live.
func replay(ctx context.Context, sess *session.Session, path string, realtime bool) error {
	target := master.Target{ProtocolVersion: uint32(sess.Config.ProtocolVersion)}
	conns := map[world.Role]*tab.Conn{}
	primary := func() (proto.MapOffsets, bool) {
		if c, ok := conns[world.RolePrimary]; ok {
			return c.MapOffsets()
		}
		return proto.MapOffsets{}, false
	}

	start := time.Now()
	n, err := capture.Replay(ctx, path, realtime, func(r world.Role, frame []byte) {
		c, ok := conns[r]
		if !ok {
			opts := tab.Options{}
			if r != world.RolePrimary {
				opts.ShiftFrom = primary
			}
			c = tab.New(sess, r, target, opts)
			conns[r] = c
		}
		_ = c.Dispatch(frame)
	})
	sess.Notice(fmt.Sprintf("Replayed %d frames in %s.", n, session.FormatDuration(time.Since(start))))
	for _, c := range conns {
		c.Disconnect()
	}
	if err != nil {
		return err
	}
	logging.Debugf("replay: %d entities in world", len(sess.World.Snapshot()))
	<-ctx.Done()
	return nil
}
