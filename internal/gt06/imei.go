package gt06

import (
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// IMEI — device identity
// -------------------------------------------------------------------------

// IMEILength is the number of decimal digits in a valid IMEI.
// Exactly 15; 14-digit identities are rejected and no Luhn check is
// performed — the check digit is the device vendor's problem.
const IMEILength = 15

// imeiWireSize is the BCD-encoded IMEI size in a login payload: 8 bytes
// carrying up to 16 nibbles, the first of which is zero padding.
const imeiWireSize = 8

// IMEI validation and decode errors.
var (
	// ErrInvalidIMEI indicates a candidate identity that is not exactly
	// 15 decimal digits.
	ErrInvalidIMEI = errors.New("imei must be exactly 15 decimal digits")

	// ErrInvalidBcd indicates a login payload whose BCD nibbles are not
	// decimal digits (0xF trailing padding excepted).
	ErrInvalidBcd = errors.New("invalid BCD nibble in imei")
)

// IMEI is a validated 15-digit device identity. The zero value is invalid;
// construct via ParseIMEI or DecodeIMEI.
type IMEI string

// ParseIMEI validates s as an IMEI.
func ParseIMEI(s string) (IMEI, error) {
	if len(s) != IMEILength {
		return "", fmt.Errorf("parse imei %q: %w", s, ErrInvalidIMEI)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("parse imei %q: %w", s, ErrInvalidIMEI)
		}
	}
	return IMEI(s), nil
}

// String returns the decimal digits.
func (i IMEI) String() string { return string(i) }

// IsValid reports whether the IMEI was constructed through a validating
// path (length check only; contents are guaranteed by construction).
func (i IMEI) IsValid() bool { return len(i) == IMEILength }

// DecodeIMEI decodes an 8-byte BCD terminal identity from a login payload.
//
// Each byte carries two digits (high nibble first). Trailing 0xF nibbles
// are padding; any other non-decimal nibble rejects the payload. A
// 16-digit result with a leading zero has the zero stripped. The final
// identity must be exactly 15 digits.
func DecodeIMEI(b []byte) (IMEI, error) {
	if len(b) < imeiWireSize {
		return "", fmt.Errorf("decode imei: %d bytes, need %d: %w",
			len(b), imeiWireSize, ErrTruncatedPayload)
	}

	digits := make([]byte, 0, 2*imeiWireSize)
	padded := false
	for _, by := range b[:imeiWireSize] {
		for _, nib := range [2]byte{by >> 4, by & 0x0F} {
			switch {
			case nib <= 9:
				if padded {
					// Digits after padding: not a BCD identity.
					return "", fmt.Errorf("decode imei: digit after pad nibble: %w", ErrInvalidBcd)
				}
				digits = append(digits, '0'+nib)
			case nib == 0xF:
				padded = true
			default:
				return "", fmt.Errorf("decode imei: nibble 0x%X: %w", nib, ErrInvalidBcd)
			}
		}
	}

	// 16 digits with a leading zero is the common encoding: the device
	// left-pads its 15-digit identity into 8 whole bytes.
	if len(digits) == IMEILength+1 && digits[0] == '0' {
		digits = digits[1:]
	}

	if len(digits) != IMEILength {
		return "", fmt.Errorf("decode imei: %d digits: %w", len(digits), ErrInvalidIMEI)
	}
	return IMEI(digits), nil
}

// EncodeIMEI encodes an IMEI into its 8-byte BCD wire form with a leading
// zero nibble, the inverse of DecodeIMEI. Used by the device simulator
// and round-trip tests.
func EncodeIMEI(imei IMEI) ([imeiWireSize]byte, error) {
	var out [imeiWireSize]byte
	if !imei.IsValid() {
		return out, fmt.Errorf("encode imei %q: %w", imei, ErrInvalidIMEI)
	}

	// Left-pad to 16 nibbles.
	s := "0" + string(imei)
	for i := range imeiWireSize {
		hi := s[2*i] - '0'
		lo := s[2*i+1] - '0'
		out[i] = hi<<4 | lo
	}
	return out, nil
}
