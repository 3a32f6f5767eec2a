// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package opdef

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/awesome-archive/Dragon/pkg/core/errs"
)

// schemaText is the legacy wire schema ("dragon.proto"), as a FileDescriptorProto in text format.
//
// Nested Message arguments are serialized into the bytes fields "s" and "strings", so after
// Unmarshal they come back as ArgBytes / ArgBytesList. Floats are stored with 32 bits.
const schemaText = `
name: "dragon.proto"
package: "dragon"
syntax: "proto2"
message_type: [{
	name: "DeviceOption"
	field: [
		{name:"device_type" number:1 label:LABEL_OPTIONAL type:TYPE_INT32},
		{name:"device_id" number:2 label:LABEL_OPTIONAL type:TYPE_INT32},
		{name:"random_seed" number:3 label:LABEL_OPTIONAL type:TYPE_UINT32}
	]
}, {
	name: "Argument"
	field: [
		{name:"name" number:1 label:LABEL_OPTIONAL type:TYPE_STRING},
		{name:"f" number:2 label:LABEL_OPTIONAL type:TYPE_FLOAT},
		{name:"i" number:3 label:LABEL_OPTIONAL type:TYPE_INT64},
		{name:"s" number:4 label:LABEL_OPTIONAL type:TYPE_BYTES},
		{name:"floats" number:5 label:LABEL_REPEATED type:TYPE_FLOAT},
		{name:"ints" number:6 label:LABEL_REPEATED type:TYPE_INT64},
		{name:"strings" number:7 label:LABEL_REPEATED type:TYPE_BYTES}
	]
}, {
	name: "OperatorDef"
	field: [
		{name:"input" number:1 label:LABEL_REPEATED type:TYPE_STRING},
		{name:"output" number:2 label:LABEL_REPEATED type:TYPE_STRING},
		{name:"name" number:3 label:LABEL_OPTIONAL type:TYPE_STRING},
		{name:"type" number:4 label:LABEL_OPTIONAL type:TYPE_STRING},
		{name:"arg" number:5 label:LABEL_REPEATED type:TYPE_MESSAGE type_name:".dragon.Argument"},
		{name:"device_option" number:6 label:LABEL_OPTIONAL type:TYPE_MESSAGE type_name:".dragon.DeviceOption"}
	]
}]
`

type wireSchema struct {
	opDef, argument, deviceOption protoreflect.MessageDescriptor
}

var schema = mustLoadSchema()

func mustLoadSchema() wireSchema {
	fileProto := new(descriptorpb.FileDescriptorProto)
	if err := prototext.Unmarshal([]byte(schemaText), fileProto); err != nil {
		panic(errors.Wrap(err, "failed to parse dragon.proto descriptor"))
	}
	file, err := protodesc.NewFile(fileProto, nil)
	if err != nil {
		panic(errors.Wrap(err, "failed to build dragon.proto descriptor"))
	}
	messages := file.Messages()
	return wireSchema{
		opDef:        messages.ByName("OperatorDef"),
		argument:     messages.ByName("Argument"),
		deviceOption: messages.ByName("DeviceOption"),
	}
}

// Marshal serializes the definition to the binary wire format. The output is deterministic.
//
// It returns an ErrInvalidArgument error if a Message argument fails to serialize.
func (def *OperatorDef) Marshal() ([]byte, error) {
	msg, err := def.toProto()
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

// MarshalText serializes the definition to the protobuf text format.
func (def *OperatorDef) MarshalText() (string, error) {
	msg, err := def.toProto()
	if err != nil {
		return "", err
	}
	return prototext.MarshalOptions{Multiline: true}.Format(msg), nil
}

// MarshalJSON implements json.Marshaler, using the protobuf JSON mapping.
func (def *OperatorDef) MarshalJSON() ([]byte, error) {
	msg, err := def.toProto()
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(msg)
}

// Unmarshal parses a definition serialized with OperatorDef.Marshal.
func Unmarshal(data []byte) (*OperatorDef, error) {
	msg := dynamicpb.NewMessage(schema.opDef)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, errs.InvalidArgumentf("malformed OperatorDef: %v", err)
	}
	return fromProto(msg), nil
}

// UnmarshalText parses a definition in the protobuf text format.
func UnmarshalText(text string) (*OperatorDef, error) {
	msg := dynamicpb.NewMessage(schema.opDef)
	if err := prototext.Unmarshal([]byte(text), msg); err != nil {
		return nil, errs.InvalidArgumentf("malformed OperatorDef text: %v", err)
	}
	return fromProto(msg), nil
}

// UnmarshalJSON parses a definition in the protobuf JSON mapping.
func UnmarshalJSON(data []byte) (*OperatorDef, error) {
	msg := dynamicpb.NewMessage(schema.opDef)
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, errs.InvalidArgumentf("malformed OperatorDef JSON: %v", err)
	}
	return fromProto(msg), nil
}

// Marshal serializes the device option to the binary wire format.
func (o *DeviceOption) Marshal() ([]byte, error) {
	msg := dynamicpb.NewMessage(schema.deviceOption)
	o.fillProto(msg)
	return proto.MarshalOptions{Deterministic: true}.Marshal(msg)
}

func (o *DeviceOption) fillProto(msg protoreflect.Message) {
	fields := msg.Descriptor().Fields()
	msg.Set(fields.ByName("device_type"), protoreflect.ValueOfInt32(int32(o.deviceType)))
	msg.Set(fields.ByName("device_id"), protoreflect.ValueOfInt32(int32(o.deviceID)))
	if o.hasRandomSeed {
		msg.Set(fields.ByName("random_seed"), protoreflect.ValueOfUint32(o.randomSeed))
	}
}

func (def *OperatorDef) toProto() (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(schema.opDef)
	fields := schema.opDef.Fields()
	appendStrings(msg, fields.ByName("input"), def.Inputs)
	appendStrings(msg, fields.ByName("output"), def.Outputs)
	if def.Name != "" {
		msg.Set(fields.ByName("name"), protoreflect.ValueOfString(def.Name))
	}
	msg.Set(fields.ByName("type"), protoreflect.ValueOfString(def.Type))
	if len(def.Args) > 0 {
		list := msg.Mutable(fields.ByName("arg")).List()
		for _, arg := range def.Args {
			elem := list.NewElement()
			if err := arg.fillProto(elem.Message()); err != nil {
				return nil, errors.WithMessagef(err, "while serializing %s", def.Type)
			}
			list.Append(elem)
		}
	}
	if def.DeviceOption != nil {
		def.DeviceOption.fillProto(msg.Mutable(fields.ByName("device_option")).Message())
	}
	return msg, nil
}

func appendStrings(msg protoreflect.Message, fd protoreflect.FieldDescriptor, values []string) {
	if len(values) == 0 {
		return
	}
	list := msg.Mutable(fd).List()
	for _, v := range values {
		list.Append(protoreflect.ValueOfString(v))
	}
}

func (a Argument) fillProto(msg protoreflect.Message) error {
	fields := msg.Descriptor().Fields()
	msg.Set(fields.ByName("name"), protoreflect.ValueOfString(a.name))
	switch a.kind {
	case ArgInt64:
		msg.Set(fields.ByName("i"), protoreflect.ValueOfInt64(a.i))
	case ArgFloat64:
		msg.Set(fields.ByName("f"), protoreflect.ValueOfFloat32(float32(a.f)))
	case ArgBytes:
		msg.Set(fields.ByName("s"), protoreflect.ValueOfBytes(a.s))
	case ArgMessage:
		data, err := marshalMessage(a.name, a.msg)
		if err != nil {
			return err
		}
		msg.Set(fields.ByName("s"), protoreflect.ValueOfBytes(data))
	case ArgInt64List:
		list := msg.Mutable(fields.ByName("ints")).List()
		for _, v := range a.ints {
			list.Append(protoreflect.ValueOfInt64(v))
		}
	case ArgFloat64List:
		list := msg.Mutable(fields.ByName("floats")).List()
		for _, v := range a.floats {
			list.Append(protoreflect.ValueOfFloat32(float32(v)))
		}
	case ArgBytesList:
		list := msg.Mutable(fields.ByName("strings")).List()
		for _, v := range a.strs {
			list.Append(protoreflect.ValueOfBytes(v))
		}
	case ArgMessageList:
		list := msg.Mutable(fields.ByName("strings")).List()
		for _, m := range a.msgs {
			data, err := marshalMessage(a.name, m)
			if err != nil {
				return err
			}
			list.Append(protoreflect.ValueOfBytes(data))
		}
	default:
		return errs.InvalidArgumentf("argument %q has no value set", a.name)
	}
	return nil
}

func marshalMessage(name string, m Message) ([]byte, error) {
	if m == nil {
		return nil, errs.InvalidArgumentf("argument %q holds a nil message", name)
	}
	data, err := m.Marshal()
	if err != nil {
		return nil, errs.InvalidArgumentf("argument %q failed to serialize its message: %v", name, err)
	}
	return data, nil
}

func fromProto(msg protoreflect.Message) *OperatorDef {
	fields := msg.Descriptor().Fields()
	def := &OperatorDef{
		Type:    msg.Get(fields.ByName("type")).String(),
		Name:    msg.Get(fields.ByName("name")).String(),
		Inputs:  readStrings(msg, fields.ByName("input")),
		Outputs: readStrings(msg, fields.ByName("output")),
	}
	args := msg.Get(fields.ByName("arg")).List()
	for ii := range args.Len() {
		def.Args = append(def.Args, argumentFromProto(args.Get(ii).Message()))
	}
	if fd := fields.ByName("device_option"); msg.Has(fd) {
		optMsg := msg.Get(fd).Message()
		optFields := optMsg.Descriptor().Fields()
		option := NewDeviceOption(
			DeviceType(optMsg.Get(optFields.ByName("device_type")).Int()),
			int(optMsg.Get(optFields.ByName("device_id")).Int()))
		if seedFd := optFields.ByName("random_seed"); optMsg.Has(seedFd) {
			option = option.WithRandomSeed(uint32(optMsg.Get(seedFd).Uint()))
		}
		def.DeviceOption = option
	}
	return def
}

func readStrings(msg protoreflect.Message, fd protoreflect.FieldDescriptor) []string {
	list := msg.Get(fd).List()
	if list.Len() == 0 {
		return nil
	}
	values := make([]string, list.Len())
	for ii := range values {
		values[ii] = list.Get(ii).String()
	}
	return values
}

// argumentFromProto picks the variant from the first field set. An argument without any value
// decodes as an empty ArgInt64List, since empty repeated fields are not distinguishable on the wire.
func argumentFromProto(msg protoreflect.Message) Argument {
	fields := msg.Descriptor().Fields()
	name := msg.Get(fields.ByName("name")).String()
	if fd := fields.ByName("i"); msg.Has(fd) {
		return Int(name, msg.Get(fd).Int())
	}
	if fd := fields.ByName("f"); msg.Has(fd) {
		return Float(name, msg.Get(fd).Float())
	}
	if fd := fields.ByName("s"); msg.Has(fd) {
		return Bytes(name, msg.Get(fd).Bytes())
	}
	if list := msg.Get(fields.ByName("floats")).List(); list.Len() > 0 {
		values := make([]float64, list.Len())
		for ii := range values {
			values[ii] = list.Get(ii).Float()
		}
		return Floats(name, values...)
	}
	if list := msg.Get(fields.ByName("strings")).List(); list.Len() > 0 {
		values := make([][]byte, list.Len())
		for ii := range values {
			values[ii] = list.Get(ii).Bytes()
		}
		return BytesList(name, values...)
	}
	list := msg.Get(fields.ByName("ints")).List()
	values := make([]int64, list.Len())
	for ii := range values {
		values[ii] = list.Get(ii).Int()
	}
	return Ints(name, values...)
}
