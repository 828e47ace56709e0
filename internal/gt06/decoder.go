package gt06

import (
	"encoding/binary"
)

// -------------------------------------------------------------------------
// Decoder — stream reassembly
// -------------------------------------------------------------------------

// DefaultSearchWindow is how far ahead of the buffer head the decoder
// scans for a start marker before discarding bytes as line noise.
const DefaultSearchWindow = 100

// DefaultMaxFrameBytes bounds the size of a single reassembled frame.
const DefaultMaxFrameBytes = 1024

// DecoderConfig tunes a stream Decoder. Zero values select the defaults.
type DecoderConfig struct {
	// SearchWindow is the start-marker scan window in bytes.
	SearchWindow int

	// MaxFrameBytes is the upper bound on a complete frame.
	MaxFrameBytes int
}

// Decoder reassembles GT06 frames from an arbitrary byte stream. One
// Decoder serves exactly one connection; it owns the accumulator between
// Feed calls and is not safe for concurrent use.
//
// Feed never blocks and never returns an error: bytes that cannot open a
// frame are skipped, and incomplete frames wait in the accumulator for
// the next read. The same byte stream split into any chunking produces
// the same frame sequence.
type Decoder struct {
	buf     []byte
	window  int
	maxSize int

	// skipped counts noise bytes discarded since the last Stats call.
	skipped uint64
}

// NewDecoder creates a stream Decoder with the given tuning. Zero config
// fields fall back to DefaultSearchWindow / DefaultMaxFrameBytes.
func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.SearchWindow <= 0 {
		cfg.SearchWindow = DefaultSearchWindow
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{
		buf:     make([]byte, 0, cfg.MaxFrameBytes),
		window:  cfg.SearchWindow,
		maxSize: cfg.MaxFrameBytes,
	}
}

// SkippedBytes returns and resets the count of noise bytes discarded
// while hunting for a start marker.
func (d *Decoder) SkippedBytes() uint64 {
	n := d.skipped
	d.skipped = 0
	return n
}

// Buffered returns the number of bytes waiting for frame completion.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Feed appends data to the accumulator and extracts every complete frame.
// Frames are returned in wire order; a partial suffix stays buffered for
// the next call. Frame payloads are copies and remain valid after
// subsequent Feed calls.
func (d *Decoder) Feed(data []byte) []Frame {
	d.buf = append(d.buf, data...)

	var frames []Frame
	for {
		f, ok := d.next()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return frames
}

// next attempts to extract one frame from the head of the accumulator.
// Returns false when more input is required.
func (d *Decoder) next() (Frame, bool) {
	for {
		// A start marker, length field, and protocol number need at
		// least 5 bytes before anything can be decided.
		if len(d.buf) < 5 {
			return Frame{}, false
		}

		if !d.seekStart() {
			return Frame{}, false
		}

		extended := d.buf[0] == StartLongA

		var length, hdr int
		if extended {
			length = int(binary.BigEndian.Uint16(d.buf[2:4]))
			hdr = headerLong
		} else {
			length = int(d.buf[2])
			hdr = headerShort
		}

		// A nonsense length means this start marker was a coincidence
		// inside noise. Skip one byte and rescan.
		if length < MinLength || length > MaxLength {
			d.skip(1)
			continue
		}

		total := hdr + length + stopSize
		if total > d.maxSize {
			d.skip(1)
			continue
		}

		if len(d.buf) < total {
			// Frame is still in flight.
			return Frame{}, false
		}

		raw := d.buf[:total]
		f := Frame{
			Extended: extended,
			Protocol: raw[hdr],
			Serial:   binary.BigEndian.Uint16(raw[total-stopSize-4 : total-stopSize-2]),
			CRC:      binary.BigEndian.Uint16(raw[total-stopSize-2 : total-stopSize]),
			Stop:     classifyStop(raw[total-2], raw[total-1]),
		}

		// Copy out: the accumulator is about to be advanced and reused.
		f.Raw = append([]byte(nil), raw...)
		f.Payload = f.Raw[hdr+1 : total-stopSize-4]

		d.advance(total)
		return f, true
	}
}

// seekStart discards leading bytes until a start marker heads the buffer.
// Each pass scans at most the search window; noise longer than the window
// is dropped window by window. The final byte is always retained since it
// may pair with the first byte of the next chunk to form a marker.
func (d *Decoder) seekStart() bool {
	for len(d.buf) >= 2 {
		limit := min(len(d.buf)-1, d.window)

		for i := 0; i < limit; i++ {
			a, b := d.buf[i], d.buf[i+1]
			if (a == StartShortA && b == StartShortA) || (a == StartLongA && b == StartLongA) {
				if i > 0 {
					d.skip(i)
				}
				return true
			}
		}

		d.skip(limit)
	}
	return false
}

// skip drops n leading bytes as noise.
func (d *Decoder) skip(n int) {
	d.skipped += uint64(n)
	d.advance(n)
}

// advance removes n leading bytes, compacting in place to keep the
// accumulator's allocation stable.
func (d *Decoder) advance(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}
