// Package session implements the device session registry on Redis.
//
// A session binds an authenticated device identity (IMEI) to the network
// channel currently carrying it. The registry is the single source of
// truth for which device is reachable through which connection; it holds
// channel ids, never connection handles, so the record survives being
// read by processes that cannot touch the socket.
//
// All multi-key mutations run as server-side Lua scripts, so each
// operation is one round trip and atomic with respect to concurrent
// logins, disconnects, and reaper sweeps.
package session

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/dantte-lp/gogt06/internal/gt06"
)

// attrFieldPrefix namespaces attribute fields inside the session hash so
// they cannot collide with the fixed schema fields.
const attrFieldPrefix = "attr:"

// Registry errors.
var (
	// ErrNotFound indicates no session exists for the given lookup key.
	ErrNotFound = errors.New("session not found")
)

// Session is one device session record as stored in Redis.
type Session struct {
	// ID is the session's UUID.
	ID string

	// IMEI is the device identity presented at login.
	IMEI gt06.IMEI

	// ChannelID identifies the network channel carrying this session.
	// Commands are routed to the connection owning this channel.
	ChannelID string

	// RemoteAddr is the device's peer address at connect time.
	RemoteAddr string

	// Authenticated reports whether the login ACK has been sent.
	Authenticated bool

	// ConnectedAt is when the TCP connection was accepted.
	ConnectedAt time.Time

	// LastSeenAt is the last time any complete frame arrived.
	LastSeenAt time.Time

	// LastLoginAt is when the session authenticated; zero before login.
	LastLoginAt time.Time

	// LastLat, LastLon and LastPositionAt record the most recent
	// gps-valid fix; zero until the first location report.
	LastLat        float64
	LastLon        float64
	LastPositionAt time.Time

	// Attributes holds free-form device metadata, such as the terminal
	// type and timezone reported at login. Nil when none were set.
	Attributes map[string]string
}

// IdleSession is one FindIdle result: enough to close the connection and
// emit the lifecycle record without a second lookup.
type IdleSession struct {
	ID        string
	ChannelID string
	IMEI      gt06.IMEI
}

// sessionFromHash builds a Session from an HGETALL result. Missing or
// malformed numeric fields decode to zero values rather than failing the
// lookup; the hash is gateway-written, so damage means operator surgery,
// not a device problem.
func sessionFromHash(h map[string]string) *Session {
	s := &Session{
		ID:            h["id"],
		IMEI:          gt06.IMEI(h["imei"]),
		ChannelID:     h["channel_id"],
		RemoteAddr:    h["remote_addr"],
		Authenticated: h["authenticated"] == "1",
		ConnectedAt:   timeFromField(h["connected_at"]),
		LastSeenAt:    timeFromField(h["last_seen_at"]),
		LastLoginAt:   timeFromField(h["last_login_at"]),
	}
	s.LastLat, _ = strconv.ParseFloat(h["last_lat"], 64)
	s.LastLon, _ = strconv.ParseFloat(h["last_lon"], 64)
	s.LastPositionAt = timeFromField(h["last_position_at"])
	for k, v := range h {
		if name, ok := strings.CutPrefix(k, attrFieldPrefix); ok {
			if s.Attributes == nil {
				s.Attributes = make(map[string]string)
			}
			s.Attributes[name] = v
		}
	}
	return s
}

// timeFromField parses a unix-millisecond hash field; empty or malformed
// yields the zero time.
func timeFromField(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// unixMilli formats a timestamp for storage.
func unixMilli(t time.Time) int64 { return t.UnixMilli() }

// atoiOrZero parses a counter hash field; missing fields count as zero.
func atoiOrZero(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}
