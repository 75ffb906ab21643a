package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/adbhost/internal/listener"
	"github.com/1ureka/adbhost/internal/protocol"
	"github.com/1ureka/adbhost/internal/socket"
)

// handleForward answers list-forward, killforward-all, forward: and
// killforward:. On the host the first OKAY acknowledges the request and
// the second carries the status.
func (s *Services) handleForward(req *socket.HostRequest, service string) bool {
	switch service {
	case "list-forward":
		req.Reply(protocol.OkayWithString(s.listeners.Format()))
		return true
	case "killforward-all":
		s.listeners.RemoveAll()
		req.Reply(append(protocol.OkayReply(), protocol.OkayReply()...))
		return true
	}

	var kill, noRebind bool
	switch {
	case strings.HasPrefix(service, "killforward:"):
		kill = true
		service = strings.TrimPrefix(service, "killforward:")
	case strings.HasPrefix(service, "forward:"):
		service = strings.TrimPrefix(service, "forward:")
		if rest, ok := strings.CutPrefix(service, "norebind:"); ok {
			noRebind = true
			service = rest
		}
	default:
		return false
	}

	t, err := s.acquire(req, false)
	if err != nil {
		req.Reply(protocol.FailReply(err.Error()))
		return true
	}

	pieces := strings.Split(service, ";")
	if kill {
		if len(pieces) != 1 || pieces[0] == "" {
			req.Reply(protocol.FailReply("bad killforward: " + service))
			return true
		}
	} else if len(pieces) != 2 || pieces[0] == "" || pieces[1] == "" || pieces[1][0] == '*' {
		req.Reply(protocol.FailReply("bad forward: " + service))
		return true
	}

	var resolvedPort int
	if kill {
		err = s.listeners.Remove(pieces[0])
	} else {
		var flags listener.Flags
		if noRebind {
			flags |= listener.NoRebind
		}
		resolvedPort, err = s.listeners.Install(pieces[0], pieces[1], t, flags)
	}
	if err != nil {
		if errors.Is(err, listener.ErrNotFound) {
			err = fmt.Errorf("listener '%s' not found", service)
		}
		req.Reply(protocol.FailReply(err.Error()))
		return true
	}

	reply := append(protocol.OkayReply(), protocol.OkayReply()...)
	if resolvedPort != 0 {
		reply = append(reply, protocol.FormatProtocolString(fmt.Sprintf("%d", resolvedPort))...)
	}
	req.Reply(reply)
	return true
}
