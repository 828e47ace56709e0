package commands

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"time"

	"github.com/dantte-lp/gogt06/internal/gt06"
)

// ackSize is the length of a gateway acknowledgement frame.
const ackSize = 10

// replyTimeout bounds how long the simulator waits for each ACK.
const replyTimeout = 5 * time.Second

// device is one simulated tracker connection.
type device struct {
	conn   net.Conn
	imei   gt06.IMEI
	serial uint16
}

// dialAndLogin connects to the gateway and completes the login
// handshake.
func dialAndLogin(addr, imei string) (*device, error) {
	id, err := gt06.ParseIMEI(imei)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout("tcp", addr, replyTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	d := &device{conn: conn, imei: id}
	if err := d.login(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *device) Close() error { return d.conn.Close() }

// login sends the identity frame and waits for its acknowledgement.
func (d *device) login() error {
	bcd, err := gt06.EncodeIMEI(d.imei)
	if err != nil {
		return err
	}
	if err := d.exchange(gt06.ProtoLogin, bcd[:]); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	return nil
}

// exchange sends one frame and waits for the matching ACK.
func (d *device) exchange(protocol byte, payload []byte) error {
	d.serial++
	frame := gt06.MarshalFrame(protocol, payload, d.serial)

	if err := d.conn.SetWriteDeadline(time.Now().Add(replyTimeout)); err != nil {
		return err
	}
	if _, err := d.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame 0x%02X: %w", protocol, err)
	}

	if err := d.conn.SetReadDeadline(time.Now().Add(replyTimeout)); err != nil {
		return err
	}
	ack := make([]byte, ackSize)
	if _, err := io.ReadFull(d.conn, ack); err != nil {
		return fmt.Errorf("read ack for 0x%02X: %w", protocol, err)
	}
	if ack[3] != protocol {
		return fmt.Errorf("ack protocol 0x%02X, sent 0x%02X", ack[3], protocol)
	}

	gotSerial := binary.BigEndian.Uint16(ack[4:6])
	if gotSerial != d.serial {
		return fmt.Errorf("ack serial %d, sent %d", gotSerial, d.serial)
	}
	return nil
}

// sendHeartbeat sends one empty heartbeat frame.
func (d *device) sendHeartbeat() error {
	return d.exchange(gt06.ProtoHeartbeat, nil)
}

// sendLocation sends one GPS fix.
func (d *device) sendLocation(lat, lon float64, speed uint8, course uint16) error {
	return d.exchange(gt06.ProtoLocationGPS, locationPayload(time.Now().UTC(), lat, lon, speed, course, 9))
}

// sendAlarm sends one alarm frame carrying the fix and a status block.
func (d *device) sendAlarm(lat, lon float64, code uint8) error {
	payload := locationPayload(time.Now().UTC(), lat, lon, 0, 0, 9)

	// Cell tower block: length + MCC + MNC + LAC + 3-byte cell id.
	payload = append(payload, 0x08)
	payload = append(payload, 0x01, 0xCC, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01)

	// Tail: terminal info, battery level, gsm level, alarm code, language.
	payload = append(payload, 0x46, 0x04, 0x03, code, 0x01)

	return d.exchange(gt06.ProtoAlarm, payload)
}

// locationPayload builds the 18-byte GPS fix body.
func locationPayload(at time.Time, lat, lon float64, speed uint8, course uint16, sats uint8) []byte {
	p := make([]byte, 0, 18)
	p = append(p,
		byte(at.Year()-2000), byte(at.Month()), byte(at.Day()),
		byte(at.Hour()), byte(at.Minute()), byte(at.Second()),
	)
	p = append(p, 0xC0|(sats&0x0F))

	p = binary.BigEndian.AppendUint32(p, coordRaw(lat))
	p = binary.BigEndian.AppendUint32(p, coordRaw(lon))
	p = append(p, speed)

	// Course/status word: gps valid plus hemisphere flags; the raw
	// coordinates are always positive on the wire.
	word := course & 0x03FF
	word |= 0x1000
	if lon < 0 {
		word |= 0x0400
	}
	if lat < 0 {
		word |= 0x0800
	}
	p = binary.BigEndian.AppendUint16(p, word)
	return p
}

// coordRaw converts decimal degrees to the wire scale.
func coordRaw(deg float64) uint32 {
	return uint32(math.Round(math.Abs(deg) * 1_800_000))
}
