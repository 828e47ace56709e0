package gt06_test

import (
	"bytes"
	"testing"

	"github.com/dantte-lp/gogt06/internal/gt06"
)

func TestChecksum(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			name: "login counted region",
			data: []byte{0x0D, 0x01, 0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45, 0x00, 0x01},
			want: 0x8CDD,
		},
		{
			name: "ack counted region",
			data: []byte{0x05, 0x01, 0x00, 0x01},
			want: 0xD9DC,
		},
		{
			name: "status ack counted region",
			data: []byte{0x05, 0x13, 0x00, 0x02},
			want: 0xDB6A,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gt06.Checksum(tt.data); got != tt.want {
				t.Fatalf("Checksum() = 0x%04X, want 0x%04X", got, tt.want)
			}
		})
	}
}

func TestAck(t *testing.T) {
	tests := []struct {
		name     string
		protocol byte
		serial   uint16
		want     []byte
	}{
		{
			name:     "login ack",
			protocol: 0x01,
			serial:   1,
			want:     []byte{0x78, 0x78, 0x05, 0x01, 0x00, 0x01, 0xD9, 0xDC, 0x0D, 0x0A},
		},
		{
			name:     "status ack",
			protocol: 0x13,
			serial:   2,
			want:     []byte{0x78, 0x78, 0x05, 0x13, 0x00, 0x02, 0xDB, 0x6A, 0x0D, 0x0A},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gt06.Ack(tt.protocol, tt.serial)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("Ack() = % X, want % X", got, tt.want)
			}
			if len(got) != gt06.AckFrameSize {
				t.Fatalf("ack size = %d, want %d", len(got), gt06.AckFrameSize)
			}
		})
	}
}

func TestAppendAckReusesBuffer(t *testing.T) {
	buf := make([]byte, 0, 2*gt06.AckFrameSize)
	buf = gt06.AppendAck(buf, 0x01, 1)
	buf = gt06.AppendAck(buf, 0x13, 2)

	if len(buf) != 2*gt06.AckFrameSize {
		t.Fatalf("appended size = %d, want %d", len(buf), 2*gt06.AckFrameSize)
	}
	if !bytes.Equal(buf[:gt06.AckFrameSize], gt06.Ack(0x01, 1)) {
		t.Error("first ack differs from standalone encoding")
	}
	if !bytes.Equal(buf[gt06.AckFrameSize:], gt06.Ack(0x13, 2)) {
		t.Error("second ack differs from standalone encoding")
	}
}

func TestMarshalFrameRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45}
	raw := gt06.MarshalFrame(gt06.ProtoLogin, payload, 1)

	// Matches the documented login example byte for byte.
	want := []byte{
		0x78, 0x78, 0x0D, 0x01,
		0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45,
		0x00, 0x01, 0x8C, 0xDD, 0x0D, 0x0A,
	}
	if !bytes.Equal(raw, want) {
		t.Fatalf("MarshalFrame() = % X, want % X", raw, want)
	}

	d := gt06.NewDecoder(gt06.DecoderConfig{})
	frames := d.Feed(raw)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Protocol != gt06.ProtoLogin || f.Serial != 1 {
		t.Fatalf("frame = proto 0x%02X serial %d", f.Protocol, f.Serial)
	}
	if !f.CRCValid() {
		t.Error("round-tripped frame fails CRC")
	}
}

func TestMarshalCommand(t *testing.T) {
	raw, err := gt06.MarshalCommand(7, 0xDEADBEEF, "DYD,000000#")
	if err != nil {
		t.Fatalf("MarshalCommand: %v", err)
	}

	d := gt06.NewDecoder(gt06.DecoderConfig{})
	frames := d.Feed(raw)
	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Protocol != gt06.ProtoCommand {
		t.Fatalf("protocol = 0x%02X, want 0x%02X", f.Protocol, gt06.ProtoCommand)
	}
	if f.Serial != 7 {
		t.Fatalf("serial = %d, want 7", f.Serial)
	}
	if !f.CRCValid() {
		t.Error("command frame fails CRC")
	}

	// content-len + server flag + text + language flag.
	wantPayload := append([]byte{0x0F, 0xDE, 0xAD, 0xBE, 0xEF}, "DYD,000000#"...)
	wantPayload = append(wantPayload, 0x00, 0x02)
	if !bytes.Equal(f.Payload, wantPayload) {
		t.Fatalf("payload = % X, want % X", f.Payload, wantPayload)
	}
}

func TestMarshalCommandTooLong(t *testing.T) {
	long := bytes.Repeat([]byte{'A'}, 260)
	if _, err := gt06.MarshalCommand(1, 0, string(long)); err == nil {
		t.Fatal("expected error for oversized command")
	}
}
