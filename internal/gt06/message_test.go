package gt06_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dantte-lp/gogt06/internal/gt06"
)

// decodeOne marshals one frame, runs it through the stream decoder, and
// decodes the typed message, failing the test on any structural error.
func decodeOne(t *testing.T, protocol byte, payload []byte, serial uint16) *gt06.Message {
	t.Helper()

	raw := gt06.MarshalFrame(protocol, payload, serial)
	frames := gt06.NewDecoder(gt06.DecoderConfig{}).Feed(raw)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}

	msg, err := gt06.DecodeMessage(&frames[0], time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	return msg
}

var locationPayload = []byte{
	0x18, 0x03, 0x0F, 0x0C, 0x1E, 0x2D, // 2024-03-15 12:30:45
	0xCB,                   // 11 satellites
	0x02, 0x6B, 0x3E, 0x90, // lat raw 40582800
	0x0C, 0x3C, 0xAB, 0x48, // lon raw 205302600
	0x3C,       // 60 km/h
	0x14, 0x7B, // gps valid, west, course 123
}

func TestDecodeLogin(t *testing.T) {
	payload := []byte{
		0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45,
		0x00, 0x36, // type id
		0x32, 0x00, // GMT+8
	}
	msg := decodeOne(t, gt06.ProtoLogin, payload, 1)

	if msg.Kind != gt06.KindLogin {
		t.Fatalf("kind = %v, want login", msg.Kind)
	}
	if msg.IMEI != "123456789012345" {
		t.Errorf("imei = %q", msg.IMEI)
	}
	if msg.Login.TypeID != 0x36 {
		t.Errorf("type id = 0x%04X", msg.Login.TypeID)
	}
	if msg.Login.TimezoneOffset != 480 {
		t.Errorf("timezone = %d minutes, want 480", msg.Login.TimezoneOffset)
	}
}

func TestDecodeLoginWestTimezone(t *testing.T) {
	payload := []byte{
		0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45,
		0x00, 0x36,
		0x1F, 0x48, // GMT-5
	}
	msg := decodeOne(t, gt06.ProtoLogin, payload, 1)
	if msg.Login.TimezoneOffset != -300 {
		t.Errorf("timezone = %d minutes, want -300", msg.Login.TimezoneOffset)
	}
}

func TestDecodeLoginShortPayload(t *testing.T) {
	// IMEI only, no type id or timezone. Still a valid login.
	payload := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}
	msg := decodeOne(t, gt06.ProtoLogin, payload, 1)
	if msg.Kind != gt06.KindLogin || msg.IMEI != "123456789012345" {
		t.Fatalf("kind %v imei %q", msg.Kind, msg.IMEI)
	}
}

func TestDecodeLocation(t *testing.T) {
	for _, proto := range []byte{gt06.ProtoLocation, gt06.ProtoLocationGPS, gt06.ProtoLocation4G} {
		msg := decodeOne(t, proto, locationPayload, 42)

		if msg.Kind != gt06.KindLocation {
			t.Fatalf("proto 0x%02X: kind = %v, want location", proto, msg.Kind)
		}
		loc := msg.Location

		wantTime := time.Date(2024, time.March, 15, 12, 30, 45, 0, time.UTC)
		if !loc.DeviceTime.Equal(wantTime) {
			t.Errorf("device time = %v, want %v", loc.DeviceTime, wantTime)
		}
		if loc.Satellites != 11 {
			t.Errorf("satellites = %d, want 11", loc.Satellites)
		}
		if want := float64(40582800) / 1_800_000.0; loc.Latitude != want {
			t.Errorf("latitude = %v, want %v", loc.Latitude, want)
		}
		if want := -float64(205302600) / 1_800_000.0; loc.Longitude != want {
			t.Errorf("longitude = %v, want %v", loc.Longitude, want)
		}
		if loc.Speed != 60 {
			t.Errorf("speed = %d, want 60", loc.Speed)
		}
		if loc.Course != 123 {
			t.Errorf("course = %d, want 123", loc.Course)
		}
		if !loc.GPSValid {
			t.Error("gps valid flag not set")
		}
		if !loc.West || loc.South {
			t.Errorf("hemisphere flags west=%v south=%v", loc.West, loc.South)
		}
	}
}

func TestDecodeLocationSouthernHemisphere(t *testing.T) {
	payload := append([]byte(nil), locationPayload...)
	// Set south, clear west.
	payload[16] = 0x18
	msg := decodeOne(t, gt06.ProtoLocation, payload, 1)

	if msg.Location.Latitude >= 0 {
		t.Errorf("latitude = %v, want negative", msg.Location.Latitude)
	}
	if msg.Location.Longitude <= 0 {
		t.Errorf("longitude = %v, want positive", msg.Location.Longitude)
	}
}

func TestDecodeLocationImplausibleDate(t *testing.T) {
	payload := append([]byte(nil), locationPayload...)
	payload[1] = 0x0D // month 13
	msg := decodeOne(t, gt06.ProtoLocation, payload, 1)

	if !msg.Location.DeviceTime.IsZero() {
		t.Errorf("device time = %v, want zero", msg.Location.DeviceTime)
	}
}

func TestDecodeLocationTruncated(t *testing.T) {
	raw := gt06.MarshalFrame(gt06.ProtoLocation, locationPayload[:10], 1)
	frames := gt06.NewDecoder(gt06.DecoderConfig{}).Feed(raw)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames", len(frames))
	}

	_, err := gt06.DecodeMessage(&frames[0], time.Now())
	if !errors.Is(err, gt06.ErrTruncatedPayload) {
		t.Fatalf("err = %v, want ErrTruncatedPayload", err)
	}
}

func TestDecodeStatus(t *testing.T) {
	msg := decodeOne(t, gt06.ProtoStatus, []byte{0x86, 0x05, 0x02}, 2)

	if msg.Kind != gt06.KindStatus {
		t.Fatalf("kind = %v, want status", msg.Kind)
	}
	st := msg.Status
	if !st.Ignition {
		t.Error("ignition not set")
	}
	if st.Charging {
		t.Error("charging set")
	}
	if st.ExternalPower {
		t.Error("external power set with oil/electricity bit high")
	}
	if st.BatteryLevel != 5 || st.BatteryMillivolts != 3900 || st.BatteryPercent != 80 {
		t.Errorf("battery = level %d %dmV %d%%", st.BatteryLevel, st.BatteryMillivolts, st.BatteryPercent)
	}
	if st.GSMLevel != 2 || st.GSMDbm != -93 {
		t.Errorf("gsm = level %d %ddBm", st.GSMLevel, st.GSMDbm)
	}
}

func TestDecodeHeartbeat(t *testing.T) {
	msg := decodeOne(t, gt06.ProtoHeartbeat, []byte{0x44, 0x04, 0x03}, 3)

	if msg.Kind != gt06.KindHeartbeat {
		t.Fatalf("kind = %v, want heartbeat", msg.Kind)
	}
	st := msg.Status
	if st.Ignition {
		t.Error("ignition set")
	}
	if !st.Charging {
		t.Error("charging not set")
	}
	if !st.ExternalPower {
		t.Error("external power not set")
	}
	if st.BatteryLevel != 4 || st.GSMLevel != 3 {
		t.Errorf("battery %d gsm %d", st.BatteryLevel, st.GSMLevel)
	}
}

func TestDecodeLBS(t *testing.T) {
	payload := []byte{0x01, 0xCC, 0x00, 0x28, 0x7D, 0x00, 0x1F, 0xB8}
	msg := decodeOne(t, gt06.ProtoLBS, payload, 4)

	if msg.Kind != gt06.KindLBS {
		t.Fatalf("kind = %v, want lbs", msg.Kind)
	}
	lbs := msg.LBS
	if lbs.MCC != 460 || lbs.MNC != 0 || lbs.LAC != 0x287D || lbs.CellID != 0x001FB8 {
		t.Errorf("lbs = %+v", lbs)
	}
}

func TestDecodeString(t *testing.T) {
	text := "GPS:OK"
	payload := append([]byte{byte(len(text))}, text...)
	msg := decodeOne(t, gt06.ProtoString, payload, 5)

	if msg.Kind != gt06.KindString {
		t.Fatalf("kind = %v, want string", msg.Kind)
	}
	if msg.Text != text {
		t.Errorf("text = %q, want %q", msg.Text, text)
	}
}

func TestDecodeAlarm(t *testing.T) {
	payload := append([]byte(nil), locationPayload...)
	payload = append(payload, 0x08)                                           // lbs block length
	payload = append(payload, 0x01, 0xCC, 0x00, 0x28, 0x7D, 0x00, 0x1F, 0xB8) // lbs block
	payload = append(payload, 0x06, 0x04, 0x03, 0x01, 0x01)                   // tail: status + sos + language

	msg := decodeOne(t, gt06.ProtoAlarm, payload, 6)

	if msg.Kind != gt06.KindAlarm {
		t.Fatalf("kind = %v, want alarm", msg.Kind)
	}
	al := msg.Alarm
	if !al.Flags.SOS {
		t.Error("sos flag not set")
	}
	if al.Code != 0x01 {
		t.Errorf("code = 0x%02X, want 0x01", al.Code)
	}
	if al.Location.Course != 123 || !al.Location.GPSValid {
		t.Errorf("embedded location = %+v", al.Location)
	}
	if !al.Status.Ignition || !al.Status.Charging {
		t.Errorf("embedded status = %+v", al.Status)
	}
	if al.Status.BatteryLevel != 4 || al.Status.GSMLevel != 3 {
		t.Errorf("battery %d gsm %d", al.Status.BatteryLevel, al.Status.GSMLevel)
	}
}

func TestDecodeAlarmCodes(t *testing.T) {
	tests := []struct {
		code uint8
		want func(gt06.AlarmFlags) bool
	}{
		{0x01, func(f gt06.AlarmFlags) bool { return f.SOS }},
		{0x02, func(f gt06.AlarmFlags) bool { return f.Tamper }},
		{0x03, func(f gt06.AlarmFlags) bool { return f.Vibration }},
		{0x06, func(f gt06.AlarmFlags) bool { return f.LowBattery }},
		{0x07, func(f gt06.AlarmFlags) bool { return f.OverSpeed }},
		{0x08, func(f gt06.AlarmFlags) bool { return f.Idle }},
	}
	for _, tt := range tests {
		payload := append([]byte(nil), locationPayload...)
		payload = append(payload, 0x00)                         // empty lbs block
		payload = append(payload, 0x06, 0x04, 0x03, tt.code, 0x01)

		msg := decodeOne(t, gt06.ProtoAlarm, payload, 1)
		if !tt.want(msg.Alarm.Flags) {
			t.Errorf("code 0x%02X: flags = %+v", tt.code, msg.Alarm.Flags)
		}
	}
}

func TestDecodeCommandResponse(t *testing.T) {
	text := "CUT OFF OK"
	payload := []byte{byte(4 + len(text)), 0xDE, 0xAD, 0xBE, 0xEF}
	payload = append(payload, text...)

	for _, proto := range []byte{gt06.ProtoCommand, gt06.ProtoCommandReply} {
		msg := decodeOne(t, proto, payload, 7)

		if msg.Kind != gt06.KindCommandResponse {
			t.Fatalf("proto 0x%02X: kind = %v", proto, msg.Kind)
		}
		if msg.Command.ServerFlag != 0xDEADBEEF {
			t.Errorf("server flag = 0x%08X", msg.Command.ServerFlag)
		}
		if msg.Command.Text != text {
			t.Errorf("text = %q, want %q", msg.Command.Text, text)
		}
	}
}

func TestDecodeUnknownProtocol(t *testing.T) {
	raw := gt06.MarshalFrame(0x77, []byte{0x01}, 8)
	frames := gt06.NewDecoder(gt06.DecoderConfig{}).Feed(raw)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames", len(frames))
	}

	msg, err := gt06.DecodeMessage(&frames[0], time.Now())
	if !errors.Is(err, gt06.ErrUnknownProtocol) {
		t.Fatalf("err = %v, want ErrUnknownProtocol", err)
	}
	if msg == nil || msg.Kind != gt06.KindUnknown {
		t.Fatalf("msg = %+v", msg)
	}
	// Serial must survive so the handler can still acknowledge.
	if msg.Serial != 8 {
		t.Errorf("serial = %d, want 8", msg.Serial)
	}
}

// TestDecodeCrcMismatch requires the decoded message to come back with
// the error so the handler can log what the device tried to say.
func TestDecodeCrcMismatch(t *testing.T) {
	raw := gt06.MarshalFrame(gt06.ProtoStatus, []byte{0x86, 0x05, 0x02}, 9)
	raw[len(raw)-3] ^= 0xFF // corrupt the crc

	frames := gt06.NewDecoder(gt06.DecoderConfig{}).Feed(raw)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames", len(frames))
	}

	msg, err := gt06.DecodeMessage(&frames[0], time.Now())
	if !errors.Is(err, gt06.ErrCrcMismatch) {
		t.Fatalf("err = %v, want ErrCrcMismatch", err)
	}
	if msg == nil || msg.Kind != gt06.KindStatus {
		t.Fatalf("diagnostic message missing: %+v", msg)
	}
}

func TestKindString(t *testing.T) {
	if got := gt06.KindLogin.String(); got != "login" {
		t.Errorf("KindLogin = %q", got)
	}
	if got := gt06.Kind(99).String(); got != "unknown" {
		t.Errorf("out of range kind = %q", got)
	}
}
