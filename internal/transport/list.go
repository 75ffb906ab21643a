package transport

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/1ureka/adbhost/internal/protocol"
)

// OutputFormat selects how a device list is rendered.
type OutputFormat int

const (
	ShortText OutputFormat = iota
	LongText
	ProtoBinary
	ProtoText
)

// List renders the active transports sorted by type, then serial.
func (m *Manager) List(format OutputFormat) (string, error) {
	list := m.Transports()
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].typ != list[j].typ {
			return list[i].typ < list[j].typ
		}
		return list[i].serial < list[j].serial
	})

	switch format {
	case ProtoBinary, ProtoText:
		return listProto(list, format == ProtoText)
	}

	var b strings.Builder
	for _, t := range list {
		appendTransport(&b, t, format == LongText)
	}
	return b.String(), nil
}

func appendTransport(b *strings.Builder, t *Transport, long bool) {
	serial := t.serial
	if serial == "" {
		serial = "(no serial number)"
	}
	if !long {
		b.WriteString(serial)
		b.WriteByte('\t')
		b.WriteString(t.ConnectionState().String())
		b.WriteByte('\n')
		return
	}

	fmt.Fprintf(b, "%-22s %s", serial, t.ConnectionState())
	appendInfo(b, "", t.devpath, false)
	appendInfo(b, "product:", t.Product(), false)
	appendInfo(b, "model:", t.Model(), true)
	appendInfo(b, "device:", t.Device(), false)
	// The id goes last so parsers can find it scanning back from the newline.
	fmt.Fprintf(b, " transport_id:%d\n", t.id)
}

func appendInfo(b *strings.Builder, key, value string, alnum bool) {
	if value == "" {
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteString(sanitize(value, alnum))
}

// sanitize keeps newlines, the list delimiter, out of device strings.
func sanitize(s string, alnum bool) string {
	if alnum {
		return sanitizeAlnum(s)
	}
	return strings.ReplaceAll(s, "\n", "_")
}

func listProto(list []*Transport, text bool) (string, error) {
	devices, err := protocol.NewHostMessage("Devices")
	if err != nil {
		return "", err
	}
	for _, t := range list {
		d, err := protocol.NewHostMessage("Device")
		if err != nil {
			return "", err
		}
		connType := protocol.ProtoConnectionSocket
		if t.typ == TypeUSB {
			connType = protocol.ProtoConnectionUSB
		}
		protocol.SetField(d, "serial", t.serial)
		protocol.SetField(d, "connection_type", connType)
		protocol.SetField(d, "state", t.ConnectionState().protoValue())
		protocol.SetField(d, "bus_address", sanitize(t.devpath, false))
		protocol.SetField(d, "product", sanitize(t.Product(), false))
		protocol.SetField(d, "model", sanitize(t.Model(), true))
		protocol.SetField(d, "device", sanitize(t.Device(), false))
		if sr, ok := t.Connection().(SpeedReporter); ok {
			protocol.SetField(d, "negotiated_speed", sr.NegotiatedSpeedMbps())
			protocol.SetField(d, "max_speed", sr.MaxSpeedMbps())
		}
		protocol.SetField(d, "transport_id", int64(t.id))
		protocol.AppendListField(devices, "device", d)
	}

	if text {
		out, err := prototext.MarshalOptions{Multiline: true}.Marshal(devices)
		return string(out), err
	}
	out, err := proto.Marshal(devices)
	return string(out), err
}
