package services

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/transport"
)

const waitPollInterval = 100 * time.Millisecond

type waitFor struct {
	typ    transport.Type
	state  transport.ConnectionState
	serial string
	id     uint64
}

// parseWaitFor parses "<usb|local|any>-<state>".
func parseWaitFor(s string) (waitFor, bool) {
	var w waitFor
	kind, state, ok := strings.Cut(s, "-")
	if !ok {
		return w, false
	}
	switch kind {
	case "usb":
		w.typ = transport.TypeUSB
	case "local":
		w.typ = transport.TypeLocal
	case "any":
		w.typ = transport.TypeAny
	default:
		return w, false
	}
	w.state, ok = transport.ParseState(state)
	return w, ok
}

// waitForState replies OKAY once a matching transport reaches the state,
// or once none is left for wait-for-*-disconnect. An ambiguous selection
// fails at once.
func (s *Services) waitForState(ctx context.Context, conn net.Conn, w waitFor) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()
	for {
		t, ambiguous, err := s.mgr.AcquireOne(w.typ, w.serial, w.id, false)
		if w.state == transport.StateOffline {
			if t == nil {
				_, _ = conn.Write(protocol.OkayReply())
				return
			}
		} else if t != nil && (w.state == transport.StateAny || w.state == t.ConnectionState()) {
			_, _ = conn.Write(protocol.OkayReply())
			return
		}
		if ambiguous {
			_, _ = conn.Write(protocol.FailReply(err.Error()))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
