package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/1ureka/adbhost/internal/socketspec"
)

// AcquireOne picks the transport a client request addresses: by id when
// id is non-zero, else by serial (or qualifier) when serial is non-empty,
// else the single transport of the requested type. ambiguous is set when
// more than one transport matched. Unless acceptAnyState is set the
// transport must be online.
func (m *Manager) AcquireOne(typ Type, serial string, id uint64, acceptAnyState bool) (result *Transport, ambiguous bool, err error) {
	var msg string
	switch {
	case id != 0:
		msg = fmt.Sprintf("no device with transport id '%d'", id)
	case serial != "":
		msg = fmt.Sprintf("device '%s' not found", serial)
	case typ == TypeLocal:
		msg = "no emulators found"
	case typ == TypeAny:
		msg = "no devices/emulators found"
	default:
		msg = "no devices found"
	}

	for _, t := range m.Transports() {
		if t.ConnectionState() == StateNoPerm {
			msg = NoPermissionsLongHelp
			continue
		}

		if id != 0 {
			if t.id == id {
				result = t
				break
			}
			continue
		}
		if serial != "" {
			if t.MatchesTarget(serial) {
				if result != nil {
					msg = "more than one device with serial " + serial
					ambiguous = true
					result = nil
					break
				}
				result = t
			}
			continue
		}

		var dup string
		switch {
		case typ == TypeUSB && t.typ == TypeUSB:
			dup = "more than one USB device"
		case typ == TypeLocal && t.typ == TypeLocal:
			dup = "more than one emulator"
		case typ == TypeAny:
			dup = "more than one device/emulator"
		default:
			continue
		}
		if result != nil {
			msg = dup
			ambiguous = true
			result = nil
			break
		}
		result = t
	}

	if result != nil && !acceptAnyState {
		switch result.ConnectionState() {
		case StateConnecting:
			msg, result = "device still connecting", nil
		case StateAuthorizing:
			msg, result = "device still authorizing", nil
		case StateUnauthorized:
			keys := m.vendorKeys
			if keys == "" {
				keys = "not set"
			}
			msg = "device unauthorized.\n" +
				"This adb server's $ADB_VENDOR_KEYS is " + keys + "\n" +
				"Try 'adb kill-server' if that seems wrong.\n" +
				"Otherwise check for a confirmation dialog on your device."
			result = nil
		case StateOffline:
			msg, result = "device offline", nil
		}
	}

	if result == nil {
		return nil, ambiguous, errors.New(msg)
	}
	return result, false, nil
}

// MatchesTarget reports whether target names t: its serial, for network
// transports "[tcp:|udp:]host[:port]", its devpath, or one of the
// product:, model: and device: qualifiers.
func (t *Transport) MatchesTarget(target string) bool {
	if t.serial != "" {
		if target == t.serial {
			return true
		}
		if t.typ == TypeLocal {
			local := target
			if strings.HasPrefix(local, "tcp:") || strings.HasPrefix(local, "udp:") {
				local = local[4:]
			}
			if host, port, err := socketspec.ParseNetAddress(t.serial, -1); err == nil {
				// The target may omit the port.
				if thost, tport, err := socketspec.ParseNetAddress(local, port); err == nil &&
					thost == host && tport == port {
					return true
				}
			}
		}
	}

	return target == t.devpath ||
		qualMatch(target, "product:", t.Product(), false) ||
		qualMatch(target, "model:", t.Model(), true) ||
		qualMatch(target, "device:", t.Device(), false)
}

func qualMatch(target, prefix, qual string, sanitize bool) bool {
	if target == "" {
		return qual == ""
	}
	if qual == "" {
		return false
	}
	rest, ok := strings.CutPrefix(target, prefix)
	if !ok {
		return false
	}
	if sanitize {
		qual = sanitizeAlnum(qual)
	}
	return rest == qual
}

func sanitizeAlnum(s string) string {
	b := []byte(s)
	for i, c := range b {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			b[i] = '_'
		}
	}
	return string(b)
}
