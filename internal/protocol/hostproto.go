package protocol

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// Proto values of adb.proto.ConnectionState.
const (
	ProtoStateAny          = 0
	ProtoStateConnecting   = 1
	ProtoStateAuthorizing  = 2
	ProtoStateUnauthorized = 3
	ProtoStateNoPermission = 4
	ProtoStateDetached     = 5
	ProtoStateOffline      = 6
	ProtoStateBootloader   = 7
	ProtoStateDevice       = 8
	ProtoStateHost         = 9
	ProtoStateRecovery     = 10
	ProtoStateSideload     = 11
	ProtoStateRescue       = 12
)

// Proto values of adb.proto.ConnectionType.
const (
	ProtoConnectionUnknown = 0
	ProtoConnectionUSB     = 1
	ProtoConnectionSocket  = 2
)

var (
	hostProtoOnce sync.Once
	hostProtoFile protoreflect.FileDescriptor
	hostProtoErr  error
)

func enumValues(names ...string) []*descriptorpb.EnumValueDescriptorProto {
	out := make([]*descriptorpb.EnumValueDescriptorProto, len(names))
	for i, n := range names {
		out[i] = &descriptorpb.EnumValueDescriptorProto{Name: proto.String(n), Number: proto.Int32(int32(i))}
	}
	return out
}

func field(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		Type:   typ.Enum(),
	}
	if typeName != "" {
		f.TypeName = proto.String(typeName)
	}
	return f
}

// hostProto describes adb_host.proto: the device list streamed by
// track-devices and the server status reply.
func hostProto() (protoreflect.FileDescriptor, error) {
	hostProtoOnce.Do(func() {
		str := descriptorpb.FieldDescriptorProto_TYPE_STRING
		i64 := descriptorpb.FieldDescriptorProto_TYPE_INT64
		enum := descriptorpb.FieldDescriptorProto_TYPE_ENUM
		boolean := descriptorpb.FieldDescriptorProto_TYPE_BOOL

		devices := field("device", 1, descriptorpb.FieldDescriptorProto_TYPE_MESSAGE, ".adb.proto.Device")
		devices.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()

		fd := &descriptorpb.FileDescriptorProto{
			Name:    proto.String("adb_host.proto"),
			Package: proto.String("adb.proto"),
			Syntax:  proto.String("proto3"),
			EnumType: []*descriptorpb.EnumDescriptorProto{
				{
					Name: proto.String("ConnectionState"),
					Value: enumValues("ANY", "CONNECTING", "AUTHORIZING", "UNAUTHORIZED", "NOPERMISSION",
						"DETACHED", "OFFLINE", "BOOTLOADER", "DEVICE", "HOST", "RECOVERY", "SIDELOAD", "RESCUE"),
				},
				{
					Name:  proto.String("ConnectionType"),
					Value: enumValues("UNKNOWN", "USB", "SOCKET"),
				},
			},
			MessageType: []*descriptorpb.DescriptorProto{
				{
					Name: proto.String("Device"),
					Field: []*descriptorpb.FieldDescriptorProto{
						field("serial", 1, str, ""),
						field("state", 2, enum, ".adb.proto.ConnectionState"),
						field("bus_address", 3, str, ""),
						field("product", 4, str, ""),
						field("model", 5, str, ""),
						field("device", 6, str, ""),
						field("connection_type", 7, enum, ".adb.proto.ConnectionType"),
						field("negotiated_speed", 8, i64, ""),
						field("max_speed", 9, i64, ""),
						field("transport_id", 10, i64, ""),
					},
				},
				{
					Name:  proto.String("Devices"),
					Field: []*descriptorpb.FieldDescriptorProto{devices},
				},
				{
					Name: proto.String("AdbServerStatus"),
					EnumType: []*descriptorpb.EnumDescriptorProto{
						{Name: proto.String("UsbBackend"), Value: enumValues("UNKNOWN_USB", "NATIVE", "LIBUSB")},
						{Name: proto.String("MdnsBackend"), Value: enumValues("UNKNOWN_MDNS", "BONJOUR", "OPENSCREEN")},
					},
					Field: []*descriptorpb.FieldDescriptorProto{
						field("usb_backend", 1, enum, ".adb.proto.AdbServerStatus.UsbBackend"),
						field("usb_backend_forced", 2, boolean, ""),
						field("mdns_backend", 3, enum, ".adb.proto.AdbServerStatus.MdnsBackend"),
						field("mdns_backend_forced", 4, boolean, ""),
						field("version", 5, str, ""),
						field("build", 6, str, ""),
						field("executable_absolute_path", 7, str, ""),
						field("log_absolute_path", 8, str, ""),
						field("os", 9, str, ""),
						field("trace_level", 10, str, ""),
						field("burst_mode", 11, boolean, ""),
						field("mdns_enabled", 12, boolean, ""),
						field("instance_id", 100, str, ""),
					},
				},
			},
		}
		hostProtoFile, hostProtoErr = protodesc.NewFile(fd, nil)
	})
	return hostProtoFile, hostProtoErr
}

// NewHostMessage returns an empty dynamic message of the named type
// ("Device", "Devices" or "AdbServerStatus").
func NewHostMessage(name string) (*dynamicpb.Message, error) {
	fd, err := hostProto()
	if err != nil {
		return nil, err
	}
	md := fd.Messages().ByName(protoreflect.Name(name))
	if md == nil {
		return nil, fmt.Errorf("adb.proto: no message %q", name)
	}
	return dynamicpb.NewMessage(md), nil
}

// SetField assigns a scalar or enum field by name. Enum values are given
// as int.
func SetField(m *dynamicpb.Message, name string, v interface{}) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return
	}
	switch x := v.(type) {
	case string:
		m.Set(fd, protoreflect.ValueOfString(x))
	case bool:
		m.Set(fd, protoreflect.ValueOfBool(x))
	case int64:
		m.Set(fd, protoreflect.ValueOfInt64(x))
	case int:
		if fd.Kind() == protoreflect.EnumKind {
			m.Set(fd, protoreflect.ValueOfEnum(protoreflect.EnumNumber(x)))
		} else {
			m.Set(fd, protoreflect.ValueOfInt64(int64(x)))
		}
	}
}

// AppendListField appends item to the repeated message field name.
func AppendListField(m *dynamicpb.Message, name string, item *dynamicpb.Message) {
	fd := m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil {
		return
	}
	m.Mutable(fd).List().Append(protoreflect.ValueOfMessage(item))
}
