package transport

import (
	"strings"

	"github.com/1ureka/adbhost/internal/util"
)

// UpdateReverseConfig records the mapping carried by an outgoing
// reverse: service so that later OPENs from the device can be checked
// against it. Looper only.
func (t *Transport) UpdateReverseConfig(service string) {
	t.mgr.looper.CheckLooper()
	rest, ok := strings.CutPrefix(service, "reverse:")
	if !ok {
		return
	}

	switch {
	case strings.HasPrefix(rest, "forward:"):
		rest = strings.TrimPrefix(rest, "forward:")
		norebind := false
		if r, ok := strings.CutPrefix(rest, "norebind:"); ok {
			norebind = true
			rest = r
		}
		remote, local, ok := strings.Cut(rest, ";")
		if !ok {
			return
		}
		if _, exists := t.reverse[remote]; norebind && exists {
			return
		}
		t.reverse[remote] = local

	case strings.HasPrefix(rest, "killforward:"):
		remote := strings.TrimPrefix(rest, "killforward:")
		if strings.Contains(remote, ";") {
			return
		}
		delete(t.reverse, remote)

	case rest == "killforward-all":
		t.reverse = map[string]string{}

	case rest == "list-forward":

	default:
		util.LogWarning("%s: unhandled reverse service '%s'", t.displayName(), rest)
	}
}

// IsReverseConfigured reports whether local is the target of a reverse
// forward that this host set up.
func (t *Transport) IsReverseConfigured(local string) bool {
	for _, v := range t.reverse {
		if v == local {
			return true
		}
	}
	return false
}
