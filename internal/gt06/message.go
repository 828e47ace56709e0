package gt06

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// -------------------------------------------------------------------------
// Protocol Numbers
// -------------------------------------------------------------------------

// Protocol numbers handled by the codec. The GT06 family reuses several
// numbers across hardware generations; all aliases decode to the same
// message kind.
const (
	ProtoLogin        = 0x01
	ProtoHeartbeat    = 0x05
	ProtoLocation     = 0x08
	ProtoLBS          = 0x10
	ProtoLocationGPS  = 0x12
	ProtoStatus       = 0x13
	ProtoString       = 0x15
	ProtoAlarm        = 0x16
	ProtoStatusExt    = 0x1A
	ProtoCommand      = 0x80
	ProtoCommandReply = 0x8A
	ProtoLocation4G   = 0x94
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Decode failure kinds. The connection handler matches these with
// errors.Is to choose between error ACK, generic ACK, and disconnect.
var (
	// ErrTruncatedPayload indicates a payload shorter than its protocol
	// number requires.
	ErrTruncatedPayload = errors.New("payload truncated")

	// ErrUnknownProtocol indicates a protocol number the codec does not
	// decode. The handler still acknowledges the frame.
	ErrUnknownProtocol = errors.New("unknown protocol number")

	// ErrCrcMismatch indicates the frame checksum does not match the
	// counted region. The message is still decoded for diagnostics but
	// must not drive state transitions.
	ErrCrcMismatch = errors.New("frame crc mismatch")
)

// -------------------------------------------------------------------------
// Message Kinds
// -------------------------------------------------------------------------

// Kind tags the decoded message variant.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindLogin
	KindHeartbeat
	KindLocation
	KindLBS
	KindStatus
	KindString
	KindAlarm
	KindCommandResponse
)

// kindNames maps message kinds to strings used in logs and bus records.
var kindNames = [9]string{
	"unknown", "login", "heartbeat", "location", "lbs",
	"status", "string", "alarm", "command_response",
}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// -------------------------------------------------------------------------
// Message Bodies
// -------------------------------------------------------------------------

// Login is the body of a 0x01 frame.
type Login struct {
	// IMEI is the BCD terminal identity.
	IMEI IMEI

	// TypeID is the optional device model identifier.
	TypeID uint16

	// TimezoneOffset is the optional timezone word, in minutes east of
	// UTC, decoded from the GT06 timezone/language field.
	TimezoneOffset int16
}

// Location is the body of a 0x08/0x12/0x94 frame, and embedded in 0x16.
type Location struct {
	// DeviceTime is the GPS fix time reported by the device (UTC).
	DeviceTime time.Time

	// Latitude and Longitude are signed decimal degrees. Raw wire values
	// are scaled by 1/1_800_000 and negated per the hemisphere flags.
	Latitude  float64
	Longitude float64

	// Speed is km/h.
	Speed uint8

	// Course is degrees clockwise from north, 0-359.
	Course uint16

	// Satellites used for the fix.
	Satellites uint8

	// GPSValid reports bit 12 of the course/status word.
	GPSValid bool

	// West and South are the raw hemisphere flags (bits 10 and 11).
	West  bool
	South bool
}

// Status is the body of a 0x13/0x1A frame and of the 0x05 heartbeat.
type Status struct {
	// Ignition is the ACC line state.
	Ignition bool

	// ExternalPower reports whether the vehicle supply is connected
	// (oil/electricity line not cut).
	ExternalPower bool

	// Charging reports whether the backup battery is charging.
	Charging bool

	// BatteryLevel is the raw 0-6 voltage level.
	BatteryLevel uint8

	// BatteryMillivolts approximates the backup battery voltage.
	BatteryMillivolts uint16

	// BatteryPercent approximates remaining charge.
	BatteryPercent uint8

	// GSMLevel is the raw 0-4 signal level.
	GSMLevel uint8

	// GSMDbm approximates received signal strength.
	GSMDbm int16
}

// LBSInfo is the body of a 0x10 frame: the serving cell identity.
type LBSInfo struct {
	MCC    uint16
	MNC    uint8
	LAC    uint16
	CellID uint32
}

// AlarmFlags classifies a 0x16 alarm code.
type AlarmFlags struct {
	SOS        bool
	Vibration  bool
	Tamper     bool
	LowBattery bool
	OverSpeed  bool
	Idle       bool
}

// Alarm is the body of a 0x16 frame: a location fix plus the device
// status captured at the moment the alarm fired.
type Alarm struct {
	Location Location
	Status   Status
	Flags    AlarmFlags

	// Code is the raw alarm type byte for downstream consumers that
	// need vendor-specific values.
	Code uint8
}

// CommandResponse is the body of a 0x80/0x8A frame sent device-to-server.
type CommandResponse struct {
	// ServerFlag echoes the correlation value from the online command.
	ServerFlag uint32

	// Text is the device's response content.
	Text string
}

// -------------------------------------------------------------------------
// Message
// -------------------------------------------------------------------------

// Message is the typed, decoded form of one frame. Exactly one body
// pointer matching Kind is non-nil (String text lives in Text).
//
// IMEI is populated only for logins; for all other kinds the connection
// handler fills it in from the authenticated session before publishing.
type Message struct {
	Kind       Kind
	Protocol   byte
	Serial     uint16
	IMEI       IMEI
	ReceivedAt time.Time

	Login    *Login
	Location *Location
	Status   *Status
	LBS      *LBSInfo
	Alarm    *Alarm
	Command  *CommandResponse

	// Text is the content of a 0x15 string frame.
	Text string

	// Raw is the complete wire frame, retained for the bus record's
	// raw_hex field.
	Raw []byte
}

// DecodeMessage decodes a structurally valid frame into a typed Message.
//
// A CRC mismatch still produces the decoded message, returned alongside
// ErrCrcMismatch, so the handler can log what the device tried to say;
// the handler must not let such a message drive state. ErrUnknownProtocol
// returns a KindUnknown message carrying the raw frame.
func DecodeMessage(f *Frame, receivedAt time.Time) (*Message, error) {
	msg := &Message{
		Kind:       KindUnknown,
		Protocol:   f.Protocol,
		Serial:     f.Serial,
		ReceivedAt: receivedAt,
		Raw:        f.Raw,
	}

	var err error
	switch f.Protocol {
	case ProtoLogin:
		err = decodeLogin(f.Payload, msg)
	case ProtoHeartbeat:
		err = decodeHeartbeat(f.Payload, msg)
	case ProtoLocation, ProtoLocationGPS, ProtoLocation4G:
		err = decodeLocation(f.Payload, msg)
	case ProtoLBS:
		err = decodeLBS(f.Payload, msg)
	case ProtoStatus, ProtoStatusExt:
		err = decodeStatus(f.Payload, msg)
	case ProtoString:
		err = decodeString(f.Payload, msg)
	case ProtoAlarm:
		err = decodeAlarm(f.Payload, msg)
	case ProtoCommand, ProtoCommandReply:
		err = decodeCommandResponse(f.Payload, msg)
	default:
		err = fmt.Errorf("protocol 0x%02X: %w", f.Protocol, ErrUnknownProtocol)
	}
	if err != nil {
		return msg, err
	}

	if !f.CRCValid() {
		return msg, fmt.Errorf("protocol 0x%02X serial %d: %w", f.Protocol, f.Serial, ErrCrcMismatch)
	}
	return msg, nil
}

// -------------------------------------------------------------------------
// Variant decoders
// -------------------------------------------------------------------------

// locationCoreSize is date(6) + satellites(1) + lat(4) + lon(4) +
// speed(1) + course/status(2).
const locationCoreSize = 18

func decodeLogin(p []byte, msg *Message) error {
	imei, err := DecodeIMEI(p)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	body := &Login{IMEI: imei}
	if len(p) >= 10 {
		body.TypeID = binary.BigEndian.Uint16(p[8:10])
	}
	if len(p) >= 12 {
		body.TimezoneOffset = decodeTimezone(binary.BigEndian.Uint16(p[10:12]))
	}

	msg.Kind = KindLogin
	msg.IMEI = imei
	msg.Login = body
	return nil
}

// decodeTimezone converts the GT06 timezone/language word into minutes
// east of UTC. The upper 12 bits hold hours*100 (GMT+8 is 800); bit 3 is
// the west flag.
func decodeTimezone(w uint16) int16 {
	minutes := int16(w>>4) * 60 / 100
	if w&0x0008 != 0 {
		minutes = -minutes
	}
	return minutes
}

func decodeHeartbeat(p []byte, msg *Message) error {
	if len(p) < 1 {
		return fmt.Errorf("heartbeat: %w", ErrTruncatedPayload)
	}

	st := &Status{}
	decodeTerminalInfo(p[0], st)
	if len(p) >= 2 {
		setBattery(st, p[1])
	}
	if len(p) >= 3 {
		setGSM(st, p[2])
	}

	msg.Kind = KindHeartbeat
	msg.Status = st
	return nil
}

func decodeLocation(p []byte, msg *Message) error {
	loc, err := decodeLocationCore(p)
	if err != nil {
		return fmt.Errorf("location: %w", err)
	}

	msg.Kind = KindLocation
	msg.Location = loc
	return nil
}

// decodeLocationCore decodes the 18-byte location block shared by the
// location and alarm variants.
func decodeLocationCore(p []byte) (*Location, error) {
	if len(p) < locationCoreSize {
		return nil, fmt.Errorf("%d of %d bytes: %w", len(p), locationCoreSize, ErrTruncatedPayload)
	}

	loc := &Location{
		DeviceTime: decodeDeviceTime(p[0:6]),
		Satellites: p[6] & 0x0F,
		Speed:      p[15],
	}

	latRaw := binary.BigEndian.Uint32(p[7:11])
	lonRaw := binary.BigEndian.Uint32(p[11:15])
	loc.Latitude = float64(latRaw) / 1_800_000.0
	loc.Longitude = float64(lonRaw) / 1_800_000.0

	// Course/status word: bit 12 gps-valid, bit 11 south, bit 10 west,
	// low 10 bits course degrees.
	word := binary.BigEndian.Uint16(p[16:18])
	loc.Course = word & 0x03FF
	loc.West = word&0x0400 != 0
	loc.South = word&0x0800 != 0
	loc.GPSValid = word&0x1000 != 0

	if loc.West {
		loc.Longitude = -loc.Longitude
	}
	if loc.South {
		loc.Latitude = -loc.Latitude
	}

	return loc, nil
}

// decodeDeviceTime converts the raw YY MM DD hh mm ss bytes to UTC.
// YY is year minus 2000. Implausible fields yield the zero time; the
// publisher substitutes the receive timestamp downstream.
func decodeDeviceTime(b []byte) time.Time {
	year := 2000 + int(b[0])
	month := int(b[1])
	day := int(b[2])
	if month < 1 || month > 12 || day < 1 || day > 31 ||
		b[3] > 23 || b[4] > 59 || b[5] > 59 {
		return time.Time{}
	}
	return time.Date(year, time.Month(month), day, int(b[3]), int(b[4]), int(b[5]), 0, time.UTC)
}

func decodeLBS(p []byte, msg *Message) error {
	if len(p) < 8 {
		return fmt.Errorf("lbs: %w", ErrTruncatedPayload)
	}

	msg.Kind = KindLBS
	msg.LBS = &LBSInfo{
		MCC:    binary.BigEndian.Uint16(p[0:2]),
		MNC:    p[2],
		LAC:    binary.BigEndian.Uint16(p[3:5]),
		CellID: uint32(p[5])<<16 | uint32(p[6])<<8 | uint32(p[7]),
	}
	return nil
}

func decodeStatus(p []byte, msg *Message) error {
	if len(p) < 3 {
		return fmt.Errorf("status: %w", ErrTruncatedPayload)
	}

	st := &Status{}
	decodeTerminalInfo(p[0], st)
	setBattery(st, p[1])
	setGSM(st, p[2])

	msg.Kind = KindStatus
	msg.Status = st
	return nil
}

func decodeString(p []byte, msg *Message) error {
	if len(p) < 1 {
		return fmt.Errorf("string: %w", ErrTruncatedPayload)
	}

	n := int(p[0])
	if n > len(p)-1 {
		return fmt.Errorf("string: declared %d of %d bytes: %w", n, len(p)-1, ErrTruncatedPayload)
	}

	msg.Kind = KindString
	msg.Text = sanitizeText(p[1 : 1+n])
	return nil
}

// alarmTailSize is terminal-info(1) + voltage(1) + gsm(1) + alarm(1) +
// language(1) following the location block and LBS block.
const alarmTailSize = 5

func decodeAlarm(p []byte, msg *Message) error {
	loc, err := decodeLocationCore(p)
	if err != nil {
		return fmt.Errorf("alarm: %w", err)
	}

	body := &Alarm{Location: *loc}

	// After the location block: LBS-length byte + that many LBS bytes,
	// then the status/alarm tail. Tolerate devices that omit the tail.
	rest := p[locationCoreSize:]
	if len(rest) >= 1 {
		lbsLen := int(rest[0])
		if len(rest) >= 1+lbsLen {
			rest = rest[1+lbsLen:]
		} else {
			rest = nil
		}
	}
	if len(rest) >= alarmTailSize {
		decodeTerminalInfo(rest[0], &body.Status)
		setBattery(&body.Status, rest[1])
		setGSM(&body.Status, rest[2])
		body.Code = rest[3]
		body.Flags = classifyAlarm(rest[3])
	}

	msg.Kind = KindAlarm
	msg.Alarm = body
	return nil
}

func decodeCommandResponse(p []byte, msg *Message) error {
	// length-of-content(1) + server-flag(4) + text.
	if len(p) < 5 {
		return fmt.Errorf("command response: %w", ErrTruncatedPayload)
	}

	n := int(p[0])
	text := p[5:]
	// The content length counts the server flag; clamp to what arrived.
	if n >= 4 && n-4 <= len(text) {
		text = text[:n-4]
	}

	msg.Kind = KindCommandResponse
	msg.Command = &CommandResponse{
		ServerFlag: binary.BigEndian.Uint32(p[1:5]),
		Text:       sanitizeText(text),
	}
	return nil
}

// -------------------------------------------------------------------------
// Shared field decoders
// -------------------------------------------------------------------------

// decodeTerminalInfo unpacks the GT06 terminal information byte:
// bit 0 defence, bit 1 ACC, bit 2 charging, bits 3-5 alarm, bit 6 GPS
// tracking, bit 7 oil/electricity disconnected.
func decodeTerminalInfo(b byte, st *Status) {
	st.Ignition = b&0x02 != 0
	st.Charging = b&0x04 != 0
	st.ExternalPower = b&0x80 == 0
}

// batteryMillivolts maps the 0-6 voltage level to an approximate backup
// cell voltage. The wire carries only the coarse level; these midpoints
// match the vendor's charge thresholds.
var batteryMillivolts = [7]uint16{0, 3300, 3450, 3600, 3750, 3900, 4100}

// batteryPercent maps the 0-6 voltage level to approximate charge.
var batteryPercent = [7]uint8{0, 10, 25, 40, 60, 80, 100}

func setBattery(st *Status, level byte) {
	st.BatteryLevel = level
	if int(level) < len(batteryMillivolts) {
		st.BatteryMillivolts = batteryMillivolts[level]
		st.BatteryPercent = batteryPercent[level]
	}
}

// gsmDbm maps the 0-4 GSM level to an approximate RSSI.
var gsmDbm = [5]int16{-113, -103, -93, -83, -73}

func setGSM(st *Status, level byte) {
	st.GSMLevel = level
	if int(level) < len(gsmDbm) {
		st.GSMDbm = gsmDbm[level]
	}
}

// Alarm type codes carried in the 0x16 tail.
const (
	alarmNormal     = 0x00
	alarmSOS        = 0x01
	alarmPowerCut   = 0x02
	alarmVibration  = 0x03
	alarmFenceIn    = 0x04
	alarmFenceOut   = 0x05
	alarmLowBattery = 0x06
	alarmOverSpeed  = 0x07
	alarmIdle       = 0x08
)

// classifyAlarm maps the raw alarm code to the flag set published on the
// bus. Fence alarms have no dedicated flag (geofencing is out of scope)
// and surface only through the raw code.
func classifyAlarm(code uint8) AlarmFlags {
	return AlarmFlags{
		SOS:        code == alarmSOS,
		Tamper:     code == alarmPowerCut,
		Vibration:  code == alarmVibration,
		LowBattery: code == alarmLowBattery,
		OverSpeed:  code == alarmOverSpeed,
		Idle:       code == alarmIdle,
	}
}

// sanitizeText converts device-supplied bytes to a valid UTF-8 string,
// replacing undecodable sequences. Devices occasionally emit GSM-7 or
// raw binary in text fields.
func sanitizeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string([]rune(string(b)))
}
