package transport

import "github.com/1ureka/adbhost/internal/protocol"

// ConnectionState is where a transport sits in its lifecycle.
type ConnectionState int

const (
	StateAny ConnectionState = iota - 1
	StateConnecting
	StateAuthorizing
	StateUnauthorized
	StateNoPerm
	StateDetached
	StateOffline
	StateBootloader
	StateDevice
	StateHost
	StateRecovery
	StateSideload
	StateRescue
)

// NoPermissionsLongHelp is reported when a selected device cannot be
// opened by this user.
const NoPermissionsLongHelp = "insufficient permissions for device; " +
	"see [http://developer.android.com/tools/device.html]"

func (s ConnectionState) String() string {
	switch s {
	case StateAny:
		return "any"
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateUnauthorized:
		return "unauthorized"
	case StateNoPerm:
		return "no permissions"
	case StateDetached:
		return "detached"
	case StateOffline:
		return "offline"
	case StateBootloader:
		return "bootloader"
	case StateDevice:
		return "device"
	case StateHost:
		return "host"
	case StateRecovery:
		return "recovery"
	case StateSideload:
		return "sideload"
	case StateRescue:
		return "rescue"
	}
	return "unknown"
}

// Online reports whether s is one of the states reached after a CNXN.
func (s ConnectionState) Online() bool {
	switch s {
	case StateBootloader, StateDevice, StateHost, StateRecovery, StateSideload, StateRescue:
		return true
	}
	return false
}

func (s ConnectionState) protoValue() int {
	switch s {
	case StateConnecting:
		return protocol.ProtoStateConnecting
	case StateAuthorizing:
		return protocol.ProtoStateAuthorizing
	case StateUnauthorized:
		return protocol.ProtoStateUnauthorized
	case StateNoPerm:
		return protocol.ProtoStateNoPermission
	case StateDetached:
		return protocol.ProtoStateDetached
	case StateOffline:
		return protocol.ProtoStateOffline
	case StateBootloader:
		return protocol.ProtoStateBootloader
	case StateDevice:
		return protocol.ProtoStateDevice
	case StateHost:
		return protocol.ProtoStateHost
	case StateRecovery:
		return protocol.ProtoStateRecovery
	case StateSideload:
		return protocol.ProtoStateSideload
	case StateRescue:
		return protocol.ProtoStateRescue
	}
	return protocol.ProtoStateAny
}

// ParseState maps the state names used by wait-for-<transport>-<state>.
func ParseState(s string) (ConnectionState, bool) {
	switch s {
	case "device":
		return StateDevice, true
	case "recovery":
		return StateRecovery, true
	case "rescue":
		return StateRescue, true
	case "sideload":
		return StateSideload, true
	case "bootloader":
		return StateBootloader, true
	case "any":
		return StateAny, true
	case "disconnect":
		return StateOffline, true
	}
	return 0, false
}

// Type is the kind of link a transport runs over.
type Type int

const (
	TypeUSB Type = iota
	TypeLocal
	TypeAny
)

func (t Type) String() string {
	switch t {
	case TypeUSB:
		return "usb"
	case TypeLocal:
		return "local"
	}
	return "any"
}
