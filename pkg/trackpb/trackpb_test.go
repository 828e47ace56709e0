package trackpb_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

func TestTelemetryEventRoundTrip(t *testing.T) {
	in := &trackpb.TelemetryEvent{
		Imei:           "123456789012345",
		Kind:           "alarm",
		SessionId:      "0c39d8a1-6a6e-4d0e-9f0a-1b2c3d4e5f60",
		ReceivedAtUnix: 1700000000,
		Protocol:       0x16,
		Serial:         42,
		Alarm: &trackpb.Alarm{
			Type: "sos",
			Code: 0x01,
			Location: &trackpb.Location{
				Latitude:   22.546,
				Longitude:  -114.057,
				SpeedKmh:   60,
				CourseDeg:  123,
				Satellites: 11,
				GpsValid:   true,
			},
			Status: &trackpb.Status{
				Ignition:          true,
				Charging:          true,
				ExternalPower:     true,
				BatteryLevel:      4,
				BatteryMillivolts: 3750,
				BatteryPercent:    60,
				GsmLevel:          3,
				GsmDbm:            -83,
			},
		},
		RawHex: "78780d01",
		Attributes: map[string]string{
			"type_id":       "0x3688",
			"tz_offset_min": "480",
		},
	}

	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out trackpb.TelemetryEvent
	require.NoError(t, out.UnmarshalBinary(raw))
	require.Equal(t, in, &out)
}

func TestCommandEventRoundTrip(t *testing.T) {
	in := &trackpb.CommandEvent{
		CommandId:    "cmd-7",
		Imei:         "123456789012345",
		Command:      "DYD,000000#",
		ServerFlag:   0xDEADBEEF,
		Priority:     5,
		RetryCount:   1,
		MaxRetries:   3,
		IssuedAtUnix: 1700000100,
	}

	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out trackpb.CommandEvent
	require.NoError(t, out.UnmarshalBinary(raw))
	require.Equal(t, in, &out)
}

func TestNegativeGsmDbmSurvives(t *testing.T) {
	in := &trackpb.Status{GsmDbm: -113}

	raw, err := in.MarshalBinary()
	require.NoError(t, err)

	var out trackpb.Status
	require.NoError(t, out.UnmarshalBinary(raw))
	require.Equal(t, int32(-113), out.GsmDbm)
}

// TestUnknownFieldsSkipped exercises forward compatibility: a record from
// a newer producer with extra fields still decodes.
func TestUnknownFieldsSkipped(t *testing.T) {
	se := &trackpb.SessionEvent{Imei: "123456789012345", Event: trackpb.SessionConnected}
	raw, err := se.MarshalBinary()
	require.NoError(t, err)

	// Append a field number this schema has never seen.
	raw = protowire.AppendTag(raw, 99, protowire.BytesType)
	raw = protowire.AppendString(raw, "future")
	raw = protowire.AppendTag(raw, 100, protowire.VarintType)
	raw = protowire.AppendVarint(raw, 7)

	var out trackpb.SessionEvent
	require.NoError(t, out.UnmarshalBinary(raw))
	require.Equal(t, se.Imei, out.Imei)
	require.Equal(t, se.Event, out.Event)
}

func TestMalformedRecordRejected(t *testing.T) {
	var out trackpb.Location
	require.Error(t, out.UnmarshalBinary([]byte{0xFF}))
}
