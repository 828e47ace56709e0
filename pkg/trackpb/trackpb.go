// Package trackpb defines the bus record schemas and their protobuf wire
// codec. track.proto is the canonical schema; the codec here is
// maintained by hand against it so the module carries no generated code.
// Field numbers are the compatibility contract: never renumber, only
// append.
package trackpb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrTruncatedRecord wraps protowire parse failures.
var errMalformed = fmt.Errorf("malformed record")

// -------------------------------------------------------------------------
// Location
// -------------------------------------------------------------------------

// Location is a normalised GPS fix.
type Location struct {
	Imei           string
	DeviceTimeUnix int64
	ReceivedAtUnix int64
	Latitude       float64
	Longitude      float64
	SpeedKmh       uint32
	CourseDeg      uint32
	Satellites     uint32
	GpsValid       bool
}

// MarshalBinary encodes the record in protobuf wire format.
func (m *Location) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *Location) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Imei)
	b = appendInt64(b, 2, m.DeviceTimeUnix)
	b = appendInt64(b, 3, m.ReceivedAtUnix)
	b = appendDouble(b, 4, m.Latitude)
	b = appendDouble(b, 5, m.Longitude)
	b = appendUint32(b, 6, m.SpeedKmh)
	b = appendUint32(b, 7, m.CourseDeg)
	b = appendUint32(b, 8, m.Satellites)
	b = appendBool(b, 9, m.GpsValid)
	return b
}

// UnmarshalBinary decodes the record, ignoring unknown fields.
func (m *Location) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeString(v, typ, &m.Imei)
		case 2:
			return decodeInt64(v, typ, &m.DeviceTimeUnix)
		case 3:
			return decodeInt64(v, typ, &m.ReceivedAtUnix)
		case 4:
			return decodeDouble(v, typ, &m.Latitude)
		case 5:
			return decodeDouble(v, typ, &m.Longitude)
		case 6:
			return decodeUint32(v, typ, &m.SpeedKmh)
		case 7:
			return decodeUint32(v, typ, &m.CourseDeg)
		case 8:
			return decodeUint32(v, typ, &m.Satellites)
		case 9:
			return decodeBool(v, typ, &m.GpsValid)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Status
// -------------------------------------------------------------------------

// Status mirrors the GT06 terminal information block.
type Status struct {
	Ignition          bool
	ExternalPower     bool
	Charging          bool
	BatteryLevel      uint32
	BatteryMillivolts uint32
	BatteryPercent    uint32
	GsmLevel          uint32
	GsmDbm            int32
}

func (m *Status) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *Status) appendTo(b []byte) []byte {
	b = appendBool(b, 1, m.Ignition)
	b = appendBool(b, 2, m.ExternalPower)
	b = appendBool(b, 3, m.Charging)
	b = appendUint32(b, 4, m.BatteryLevel)
	b = appendUint32(b, 5, m.BatteryMillivolts)
	b = appendUint32(b, 6, m.BatteryPercent)
	b = appendUint32(b, 7, m.GsmLevel)
	b = appendInt32(b, 8, m.GsmDbm)
	return b
}

func (m *Status) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeBool(v, typ, &m.Ignition)
		case 2:
			return decodeBool(v, typ, &m.ExternalPower)
		case 3:
			return decodeBool(v, typ, &m.Charging)
		case 4:
			return decodeUint32(v, typ, &m.BatteryLevel)
		case 5:
			return decodeUint32(v, typ, &m.BatteryMillivolts)
		case 6:
			return decodeUint32(v, typ, &m.BatteryPercent)
		case 7:
			return decodeUint32(v, typ, &m.GsmLevel)
		case 8:
			return decodeInt32(v, typ, &m.GsmDbm)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Alarm
// -------------------------------------------------------------------------

// Alarm carries the classified alarm plus the fix and status captured
// when it fired.
type Alarm struct {
	Type     string
	Code     uint32
	Location *Location
	Status   *Status
}

func (m *Alarm) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *Alarm) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Type)
	b = appendUint32(b, 2, m.Code)
	if m.Location != nil {
		b = appendMessage(b, 3, m.Location.appendTo)
	}
	if m.Status != nil {
		b = appendMessage(b, 4, m.Status.appendTo)
	}
	return b
}

func (m *Alarm) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeString(v, typ, &m.Type)
		case 2:
			return decodeUint32(v, typ, &m.Code)
		case 3:
			m.Location = &Location{}
			return m.Location.UnmarshalBinary(v)
		case 4:
			m.Status = &Status{}
			return m.Status.UnmarshalBinary(v)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// CommandResult
// -------------------------------------------------------------------------

// CommandResult is a device's response to an online command, or the
// terminal record for a command that exhausted its retries.
type CommandResult struct {
	CommandId  string
	ServerFlag uint32
	Text       string
	Failed     bool
	Reason     string
}

func (m *CommandResult) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *CommandResult) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.CommandId)
	b = appendUint32(b, 2, m.ServerFlag)
	b = appendString(b, 3, m.Text)
	b = appendBool(b, 4, m.Failed)
	b = appendString(b, 5, m.Reason)
	return b
}

func (m *CommandResult) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeString(v, typ, &m.CommandId)
		case 2:
			return decodeUint32(v, typ, &m.ServerFlag)
		case 3:
			return decodeString(v, typ, &m.Text)
		case 4:
			return decodeBool(v, typ, &m.Failed)
		case 5:
			return decodeString(v, typ, &m.Reason)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// TelemetryEvent
// -------------------------------------------------------------------------

// TelemetryEvent is one decoded device message.
type TelemetryEvent struct {
	Imei           string
	Kind           string
	SessionId      string
	ReceivedAtUnix int64
	Protocol       uint32
	Serial         uint32
	Location       *Location
	Status         *Status
	Alarm          *Alarm
	Text           string
	Command        *CommandResult
	RawHex         string
	Attributes     map[string]string
}

func (m *TelemetryEvent) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *TelemetryEvent) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Imei)
	b = appendString(b, 2, m.Kind)
	b = appendString(b, 3, m.SessionId)
	b = appendInt64(b, 4, m.ReceivedAtUnix)
	b = appendUint32(b, 5, m.Protocol)
	b = appendUint32(b, 6, m.Serial)
	if m.Location != nil {
		b = appendMessage(b, 7, m.Location.appendTo)
	}
	if m.Status != nil {
		b = appendMessage(b, 8, m.Status.appendTo)
	}
	if m.Alarm != nil {
		b = appendMessage(b, 9, m.Alarm.appendTo)
	}
	b = appendString(b, 10, m.Text)
	if m.Command != nil {
		b = appendMessage(b, 11, m.Command.appendTo)
	}
	b = appendString(b, 12, m.RawHex)
	for k, v := range m.Attributes {
		b = appendMapEntry(b, 13, k, v)
	}
	return b
}

func (m *TelemetryEvent) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeString(v, typ, &m.Imei)
		case 2:
			return decodeString(v, typ, &m.Kind)
		case 3:
			return decodeString(v, typ, &m.SessionId)
		case 4:
			return decodeInt64(v, typ, &m.ReceivedAtUnix)
		case 5:
			return decodeUint32(v, typ, &m.Protocol)
		case 6:
			return decodeUint32(v, typ, &m.Serial)
		case 7:
			m.Location = &Location{}
			return m.Location.UnmarshalBinary(v)
		case 8:
			m.Status = &Status{}
			return m.Status.UnmarshalBinary(v)
		case 9:
			m.Alarm = &Alarm{}
			return m.Alarm.UnmarshalBinary(v)
		case 10:
			return decodeString(v, typ, &m.Text)
		case 11:
			m.Command = &CommandResult{}
			return m.Command.UnmarshalBinary(v)
		case 12:
			return decodeString(v, typ, &m.RawHex)
		case 13:
			return decodeMapEntry(v, typ, &m.Attributes)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// SessionEvent
// -------------------------------------------------------------------------

// Session lifecycle event names.
const (
	SessionConnected    = "connected"
	SessionDisconnected = "disconnected"
	SessionReplaced     = "replaced"
	SessionReaped       = "reaped"
)

// SessionEvent is a lifecycle record.
type SessionEvent struct {
	Imei       string
	SessionId  string
	Event      string
	RemoteAddr string
	AtUnix     int64
	Reason     string
}

func (m *SessionEvent) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *SessionEvent) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.Imei)
	b = appendString(b, 2, m.SessionId)
	b = appendString(b, 3, m.Event)
	b = appendString(b, 4, m.RemoteAddr)
	b = appendInt64(b, 5, m.AtUnix)
	b = appendString(b, 6, m.Reason)
	return b
}

func (m *SessionEvent) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeString(v, typ, &m.Imei)
		case 2:
			return decodeString(v, typ, &m.SessionId)
		case 3:
			return decodeString(v, typ, &m.Event)
		case 4:
			return decodeString(v, typ, &m.RemoteAddr)
		case 5:
			return decodeInt64(v, typ, &m.AtUnix)
		case 6:
			return decodeString(v, typ, &m.Reason)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// CommandEvent
// -------------------------------------------------------------------------

// CommandEvent is an online command to deliver to a device.
type CommandEvent struct {
	CommandId    string
	Imei         string
	Command      string
	ServerFlag   uint32
	Priority     uint32
	RetryCount   uint32
	MaxRetries   uint32
	IssuedAtUnix int64
}

func (m *CommandEvent) MarshalBinary() ([]byte, error) {
	return m.appendTo(nil), nil
}

func (m *CommandEvent) appendTo(b []byte) []byte {
	b = appendString(b, 1, m.CommandId)
	b = appendString(b, 2, m.Imei)
	b = appendString(b, 3, m.Command)
	b = appendUint32(b, 4, m.ServerFlag)
	b = appendUint32(b, 5, m.Priority)
	b = appendUint32(b, 6, m.RetryCount)
	b = appendUint32(b, 7, m.MaxRetries)
	b = appendInt64(b, 8, m.IssuedAtUnix)
	return b
}

func (m *CommandEvent) UnmarshalBinary(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			return decodeString(v, typ, &m.CommandId)
		case 2:
			return decodeString(v, typ, &m.Imei)
		case 3:
			return decodeString(v, typ, &m.Command)
		case 4:
			return decodeUint32(v, typ, &m.ServerFlag)
		case 5:
			return decodeUint32(v, typ, &m.Priority)
		case 6:
			return decodeUint32(v, typ, &m.RetryCount)
		case 7:
			return decodeUint32(v, typ, &m.MaxRetries)
		case 8:
			return decodeInt64(v, typ, &m.IssuedAtUnix)
		}
		return nil
	})
}

// -------------------------------------------------------------------------
// Wire helpers
// -------------------------------------------------------------------------

// Proto3 scalar encoding: zero values are omitted; unknown fields are
// skipped on decode.

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendInt32(b []byte, num protowire.Number, v int32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, 1)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendMessage(b []byte, num protowire.Number, fn func([]byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, fn(nil))
}

// appendMapEntry encodes one map<string,string> entry as the implicit
// nested message the protobuf map encoding defines.
func appendMapEntry(b []byte, num protowire.Number, k, v string) []byte {
	return appendMessage(b, num, func(e []byte) []byte {
		e = appendString(e, 1, k)
		return appendString(e, 2, v)
	})
}

func decodeMapEntry(v []byte, typ protowire.Type, dst *map[string]string) error {
	if typ != protowire.BytesType {
		return nil
	}
	var key, val string
	err := walkFields(v, func(num protowire.Number, typ protowire.Type, fv []byte) error {
		switch num {
		case 1:
			return decodeString(fv, typ, &key)
		case 2:
			return decodeString(fv, typ, &val)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	(*dst)[key] = val
	return nil
}

// walkFields iterates wire fields, handing each value region to fn.
// Varint and fixed64 values are passed as their raw consumed bytes;
// length-delimited values are passed unwrapped.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		switch typ {
		case protowire.VarintType:
			_, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			_, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			_, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		if v == nil {
			v = b[:n]
		}
		b = b[n:]

		if err := fn(num, typ, v); err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
	}
	return nil
}

func decodeString(v []byte, typ protowire.Type, dst *string) error {
	if typ != protowire.BytesType {
		return nil
	}
	*dst = string(v)
	return nil
}

func decodeVarint(v []byte, typ protowire.Type) (uint64, bool) {
	if typ != protowire.VarintType {
		return 0, false
	}
	u, n := protowire.ConsumeVarint(v)
	return u, n >= 0
}

func decodeInt64(v []byte, typ protowire.Type, dst *int64) error {
	if u, ok := decodeVarint(v, typ); ok {
		*dst = int64(u)
	}
	return nil
}

func decodeInt32(v []byte, typ protowire.Type, dst *int32) error {
	if u, ok := decodeVarint(v, typ); ok {
		*dst = int32(u)
	}
	return nil
}

func decodeUint32(v []byte, typ protowire.Type, dst *uint32) error {
	if u, ok := decodeVarint(v, typ); ok {
		*dst = uint32(u)
	}
	return nil
}

func decodeBool(v []byte, typ protowire.Type, dst *bool) error {
	if u, ok := decodeVarint(v, typ); ok {
		*dst = u != 0
	}
	return nil
}

func decodeDouble(v []byte, typ protowire.Type, dst *float64) error {
	if typ != protowire.Fixed64Type {
		return nil
	}
	u, n := protowire.ConsumeFixed64(v)
	if n >= 0 {
		*dst = math.Float64frombits(u)
	}
	return nil
}
