package handler

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/dantte-lp/gogt06/internal/gt06"
	"github.com/dantte-lp/gogt06/internal/session"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

// toTelemetryRecord converts a decoded device message into its bus
// record. The message's IMEI must already be filled from the session.
func toTelemetryRecord(msg *gt06.Message, sess *session.Session) *trackpb.TelemetryEvent {
	ev := &trackpb.TelemetryEvent{
		Imei:           msg.IMEI.String(),
		Kind:           msg.Kind.String(),
		SessionId:      sess.ID,
		ReceivedAtUnix: msg.ReceivedAt.Unix(),
		Protocol:       uint32(msg.Protocol),
		Serial:         uint32(msg.Serial),
		Text:           msg.Text,
		RawHex:         hex.EncodeToString(msg.Raw),
		Attributes:     sess.Attributes,
	}

	if msg.Location != nil {
		ev.Location = toLocationRecord(msg, msg.Location)
	}
	if msg.Status != nil {
		ev.Status = toStatusRecord(msg.Status)
	}
	if msg.Alarm != nil {
		ev.Alarm = &trackpb.Alarm{
			Type:     alarmType(msg.Alarm.Flags),
			Code:     uint32(msg.Alarm.Code),
			Location: toLocationRecord(msg, &msg.Alarm.Location),
			Status:   toStatusRecord(&msg.Alarm.Status),
		}
	}
	if msg.Command != nil {
		ev.Command = &trackpb.CommandResult{
			ServerFlag: msg.Command.ServerFlag,
			Text:       msg.Command.Text,
		}
	}
	return ev
}

// loginAttributes extracts the optional login body extras as session
// attributes. Devices on the short 8-byte login body report neither.
func loginAttributes(l *gt06.Login) map[string]string {
	attrs := make(map[string]string, 2)
	if l.TypeID != 0 {
		attrs["type_id"] = fmt.Sprintf("0x%04X", l.TypeID)
	}
	if l.TimezoneOffset != 0 {
		attrs["tz_offset_min"] = strconv.Itoa(int(l.TimezoneOffset))
	}
	return attrs
}

// toLocationRecord converts a decoded fix into its bus record.
func toLocationRecord(msg *gt06.Message, loc *gt06.Location) *trackpb.Location {
	return &trackpb.Location{
		Imei:           msg.IMEI.String(),
		DeviceTimeUnix: unixOrZero(loc),
		ReceivedAtUnix: msg.ReceivedAt.Unix(),
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		SpeedKmh:       uint32(loc.Speed),
		CourseDeg:      uint32(loc.Course),
		Satellites:     uint32(loc.Satellites),
		GpsValid:       loc.GPSValid,
	}
}

func toStatusRecord(st *gt06.Status) *trackpb.Status {
	return &trackpb.Status{
		Ignition:          st.Ignition,
		ExternalPower:     st.ExternalPower,
		Charging:          st.Charging,
		BatteryLevel:      uint32(st.BatteryLevel),
		BatteryMillivolts: uint32(st.BatteryMillivolts),
		BatteryPercent:    uint32(st.BatteryPercent),
		GsmLevel:          uint32(st.GSMLevel),
		GsmDbm:            int32(st.GSMDbm),
	}
}

// unixOrZero keeps an implausible device clock (decoded as the zero
// time) from turning into a negative epoch.
func unixOrZero(loc *gt06.Location) int64 {
	if loc.DeviceTime.IsZero() {
		return 0
	}
	return loc.DeviceTime.Unix()
}

// alarmType names the highest-significance set flag.
func alarmType(f gt06.AlarmFlags) string {
	switch {
	case f.SOS:
		return "sos"
	case f.Tamper:
		return "tamper"
	case f.LowBattery:
		return "low_battery"
	case f.OverSpeed:
		return "over_speed"
	case f.Vibration:
		return "vibration"
	case f.Idle:
		return "idle"
	default:
		return "unknown"
	}
}
