package handler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/dantte-lp/gogt06/internal/bus"
	"github.com/dantte-lp/gogt06/internal/config"
	"github.com/dantte-lp/gogt06/internal/gt06"
	"github.com/dantte-lp/gogt06/internal/handler"
	gwmetrics "github.com/dantte-lp/gogt06/internal/metrics"
	"github.com/dantte-lp/gogt06/internal/session"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

const testIMEI = "123456789012345"

// loginFrame is a complete login for IMEI 123456789012345, serial 1.
var loginFrame = []byte{
	0x78, 0x78, 0x0D, 0x01,
	0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45,
	0x00, 0x01,
	0x8C, 0xDD,
	0x0D, 0x0A,
}

// loginAck is the expected response to loginFrame.
var loginAck = []byte{
	0x78, 0x78, 0x05, 0x01,
	0x00, 0x01,
	0xD9, 0xDC,
	0x0D, 0x0A,
}

var locationPayload = []byte{
	0x18, 0x03, 0x0F, 0x0C, 0x1E, 0x2D,
	0xCB,
	0x02, 0x6B, 0x3E, 0x90,
	0x0C, 0x3C, 0xAB, 0x48,
	0x3C,
	0x14, 0x7B,
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// gateway bundles a handler server with its miniredis-backed registry
// and a running publisher pump.
type gateway struct {
	mr      *miniredis.Miniredis
	pool    *redis.Pool
	cfg     *config.Config
	reg     *session.Registry
	srv     *handler.Server
	metrics *gwmetrics.Collector
}

func newGateway(t *testing.T, mutate func(cfg *config.Config)) *gateway {
	t.Helper()

	mr := miniredis.RunT(t)
	pool := session.NewPool(config.RedisConfig{Addr: mr.Addr(), PoolSize: 4})
	t.Cleanup(func() { pool.Close() })

	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	if mutate != nil {
		mutate(cfg)
	}

	m := gwmetrics.NewCollector(prometheus.NewRegistry())
	reg := session.NewRegistry(pool, cfg.Session, discard())
	pub := bus.NewPublisher(pool, cfg.Bus, cfg.Publish, m, discard())

	pctx, pcancel := context.WithCancel(context.Background())
	pdone := make(chan struct{})
	go func() {
		defer close(pdone)
		_ = pub.Run(pctx)
	}()
	t.Cleanup(func() {
		pcancel()
		<-pdone
	})

	return &gateway{
		mr:      mr,
		pool:    pool,
		cfg:     cfg,
		reg:     reg,
		srv:     handler.NewServer(cfg, reg, pub, m, discard()),
		metrics: m,
	}
}

// dial wires a pipe into the server and returns the client end. The
// server side is torn down when the test finishes.
func (g *gateway) dial(t *testing.T) net.Conn {
	t.Helper()

	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.srv.Serve(context.Background(), server)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	return client
}

// readBytes reads exactly n bytes from the client end.
func readBytes(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, n)
	_, err := io.ReadFull(c, buf)
	require.NoError(t, err)
	return buf
}

// login performs the handshake on the client end and waits until the
// session is visible in the registry.
func (g *gateway) login(t *testing.T, c net.Conn) *session.Session {
	t.Helper()

	_, err := c.Write(loginFrame)
	require.NoError(t, err)
	require.Equal(t, loginAck, readBytes(t, c, len(loginAck)))

	var sess *session.Session
	require.Eventually(t, func() bool {
		s, err := g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
		if err != nil || !s.Authenticated {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 10*time.Millisecond)
	return sess
}

// streamLen reads the current length of a stream.
func (g *gateway) streamLen(t *testing.T, topic string) int {
	t.Helper()

	c := g.pool.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("XLEN", topic))
	if err != nil && err != redis.ErrNil {
		t.Fatalf("xlen %s: %v", topic, err)
	}
	return n
}

// lastPayload returns the payload field of the newest entry on a stream.
func (g *gateway) lastPayload(t *testing.T, topic string) []byte {
	t.Helper()

	c := g.pool.Get()
	defer c.Close()

	reply, err := redis.Values(c.Do("XREVRANGE", topic, "+", "-", "COUNT", 1))
	require.NoError(t, err)
	require.Len(t, reply, 1)

	iv, err := redis.Values(reply[0], nil)
	require.NoError(t, err)
	fields, err := redis.StringMap(iv[1], nil)
	require.NoError(t, err)
	return []byte(fields["payload"])
}

// expectClosed waits for the client end to observe the connection dying.
// Any terminal read error counts; only a deadline expiry means the
// connection is still alive.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	for {
		_, err := c.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatalf("connection still open after deadline: %v", err)
		}
		return
	}
}

// sessionEvents returns the lifecycle event names on the session stream
// in stream order.
func (g *gateway) sessionEvents(t *testing.T) []string {
	t.Helper()

	c := g.pool.Get()
	defer c.Close()

	reply, err := redis.Values(c.Do("XRANGE", g.cfg.Bus.SessionTopic, "-", "+"))
	require.NoError(t, err)

	events := make([]string, 0, len(reply))
	for _, entry := range reply {
		iv, err := redis.Values(entry, nil)
		require.NoError(t, err)
		fields, err := redis.StringMap(iv[1], nil)
		require.NoError(t, err)

		var ev trackpb.SessionEvent
		require.NoError(t, ev.UnmarshalBinary([]byte(fields["payload"])))
		events = append(events, ev.Event)
	}
	return events
}

// -------------------------------------------------------------------------
// Login
// -------------------------------------------------------------------------

func TestLoginHandshake(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)

	sess := g.login(t, c)
	require.Equal(t, gt06.IMEI(testIMEI), sess.IMEI)
	require.True(t, sess.Authenticated)

	// The Connected lifecycle record reaches the session stream.
	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.SessionTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var ev trackpb.SessionEvent
	require.NoError(t, ev.UnmarshalBinary(g.lastPayload(t, g.cfg.Bus.SessionTopic)))
	require.Equal(t, trackpb.SessionConnected, ev.Event)
	require.Equal(t, testIMEI, ev.Imei)
	require.Equal(t, sess.ID, ev.SessionId)
}

func TestExtendedLoginCarriesAttributes(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)

	// Extended login body: IMEI plus terminal type and timezone word.
	payload := []byte{
		0x01, 0x23, 0x45, 0x67, 0x89, 0x01, 0x23, 0x45,
		0x00, 0x36, // type id
		0x32, 0x00, // GMT+8
	}
	_, err := c.Write(gt06.MarshalFrame(gt06.ProtoLogin, payload, 1))
	require.NoError(t, err)
	readBytes(t, c, 10)

	var sess *session.Session
	require.Eventually(t, func() bool {
		s, err := g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
		if err != nil || !s.Authenticated {
			return false
		}
		sess = s
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "0x0036", sess.Attributes["type_id"])
	require.Equal(t, "480", sess.Attributes["tz_offset_min"])

	// The attributes ride along on every telemetry record.
	_, err = c.Write(gt06.MarshalFrame(gt06.ProtoHeartbeat, nil, 2))
	require.NoError(t, err)
	readBytes(t, c, 10)

	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.TelemetryTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var ev trackpb.TelemetryEvent
	require.NoError(t, ev.UnmarshalBinary(g.lastPayload(t, g.cfg.Bus.TelemetryTopic)))
	require.Equal(t, "0x0036", ev.Attributes["type_id"])
	require.Equal(t, "480", ev.Attributes["tz_offset_min"])
}

func TestFrameBeforeLoginDisconnects(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)

	// A heartbeat before any login is a protocol violation: no ACK, the
	// connection drops.
	_, err := c.Write(gt06.MarshalFrame(gt06.ProtoHeartbeat, nil, 1))
	require.NoError(t, err)

	expectClosed(t, c)

	_, err = g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestSilentConnectionDroppedBeforeLogin(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) {
		cfg.Session.UnauthTimeoutS = 1
	})
	c := g.dial(t)

	// A connection that never sends a login has no registry record for
	// the reaper to find; the pre-login read deadline drops it without
	// waiting for the full post-login read timeout.
	expectClosed(t, c)

	require.Zero(t, g.streamLen(t, g.cfg.Bus.SessionTopic))
}

func TestDoubleLoginReplacesConnection(t *testing.T) {
	g := newGateway(t, nil)

	first := g.dial(t)
	sess1 := g.login(t, first)

	second := g.dial(t)
	sess2 := g.login(t, second)
	require.NotEqual(t, sess1.ID, sess2.ID)

	// The stale connection is closed and the registry points at the
	// successor.
	expectClosed(t, first)

	s, err := g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
	require.NoError(t, err)
	require.Equal(t, sess2.ID, s.ID)

	// Stream consumers see the old session end before the new one
	// begins: the Replaced record sits between the two Connected ones.
	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.SessionTopic) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t,
		[]string{trackpb.SessionConnected, trackpb.SessionReplaced, trackpb.SessionConnected},
		g.sessionEvents(t))

	// The successor stays usable after the replacement.
	_, err = second.Write(gt06.MarshalFrame(gt06.ProtoHeartbeat, nil, 2))
	require.NoError(t, err)
	readBytes(t, second, 10)
}

// -------------------------------------------------------------------------
// Telemetry
// -------------------------------------------------------------------------

func TestLocationPublishes(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)
	sess := g.login(t, c)

	_, err := c.Write(gt06.MarshalFrame(gt06.ProtoLocationGPS, locationPayload, 2))
	require.NoError(t, err)

	// The ACK must come back regardless of bus state.
	ack := readBytes(t, c, 10)
	require.Equal(t, byte(gt06.ProtoLocationGPS), ack[3])

	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.TelemetryTopic) == 1 &&
			g.streamLen(t, g.cfg.Bus.LocationTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var ev trackpb.TelemetryEvent
	require.NoError(t, ev.UnmarshalBinary(g.lastPayload(t, g.cfg.Bus.TelemetryTopic)))
	require.Equal(t, testIMEI, ev.Imei)
	require.Equal(t, "location", ev.Kind)
	require.Equal(t, sess.ID, ev.SessionId)
	require.NotNil(t, ev.Location)
	require.True(t, ev.Location.GpsValid)
	require.InDelta(t, float64(40582800)/1_800_000.0, ev.Location.Latitude, 1e-9)
	require.NotEmpty(t, ev.RawHex)

	// The gps-valid fix lands in the registry as the last position.
	require.Eventually(t, func() bool {
		s, err := g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
		return err == nil && s.LastLat != 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeatPublishesWithoutLocation(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)
	g.login(t, c)

	_, err := c.Write(gt06.MarshalFrame(gt06.ProtoHeartbeat, nil, 2))
	require.NoError(t, err)
	readBytes(t, c, 10)

	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.TelemetryTopic) == 1
	}, 2*time.Second, 10*time.Millisecond)

	var ev trackpb.TelemetryEvent
	require.NoError(t, ev.UnmarshalBinary(g.lastPayload(t, g.cfg.Bus.TelemetryTopic)))
	require.Equal(t, "heartbeat", ev.Kind)
	require.Nil(t, ev.Location)

	// No gps fix, no location subset record.
	require.Zero(t, g.streamLen(t, g.cfg.Bus.LocationTopic))
}

// -------------------------------------------------------------------------
// Decode failures
// -------------------------------------------------------------------------

func TestCorruptFrameStillAcked(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)
	g.login(t, c)

	bad := gt06.MarshalFrame(gt06.ProtoHeartbeat, nil, 2)
	bad[len(bad)-3] ^= 0xFF // corrupt the crc

	_, err := c.Write(bad)
	require.NoError(t, err)

	// The device still gets its ACK so it stops retransmitting.
	ack := readBytes(t, c, 10)
	require.Equal(t, byte(gt06.ProtoHeartbeat), ack[3])

	// A corrupt frame must not become a telemetry record.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, g.streamLen(t, g.cfg.Bus.TelemetryTopic))
}

func TestDecodeFailureLimitDisconnects(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) {
		cfg.Handler.DecodeFailureLimit = 3
	})
	c := g.dial(t)
	g.login(t, c)

	bad := gt06.MarshalFrame(gt06.ProtoHeartbeat, nil, 2)
	bad[len(bad)-3] ^= 0xFF

	// Every corrupt frame is still acknowledged; the third one trips the
	// limit and the connection drops after its ACK.
	for i := 0; i < 3; i++ {
		_, err := c.Write(bad)
		require.NoError(t, err)
		readBytes(t, c, 10)
	}

	expectClosed(t, c)
}

// -------------------------------------------------------------------------
// Command delivery
// -------------------------------------------------------------------------

func TestDeliverWritesCommandFrame(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)
	sess := g.login(t, c)

	// Deliver blocks until the frame is on the wire, and a pipe write
	// only completes once the client reads, so the call runs alongside
	// the read.
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.srv.Deliver(sess.ChannelID, &trackpb.CommandEvent{
			CommandId:  "cmd-1",
			Imei:       testIMEI,
			Command:    "DYD,000000#",
			ServerFlag: 0x0FDEADBE,
		})
	}()

	// Frame: 2 start + 1 len + 1 proto + 1 content len + 4 flag +
	// 11 text + 2 lang + 2 serial + 2 crc + 2 stop = 28 bytes.
	frame := readBytes(t, c, 28)
	require.Equal(t, byte(gt06.ProtoCommand), frame[3])
	require.Equal(t, "DYD,000000#", string(frame[9:20]))

	require.NoError(t, <-errCh)
}

func TestDeliverReportsWriteFailure(t *testing.T) {
	g := newGateway(t, func(cfg *config.Config) {
		cfg.Handler.WriteTimeoutS = 1
	})
	c := g.dial(t)
	sess := g.login(t, c)

	// Nothing reads the client end, so the pipe write hits its deadline.
	// The failure must reach the caller so the command gets requeued
	// instead of being reported as delivered.
	err := g.srv.Deliver(sess.ChannelID, &trackpb.CommandEvent{
		CommandId: "cmd-stuck",
		Imei:      testIMEI,
		Command:   "DYD,000000#",
	})
	require.Error(t, err)

	// The connection does not survive a failed command write.
	expectClosed(t, c)
}

func TestDeliverUnknownChannel(t *testing.T) {
	g := newGateway(t, nil)

	err := g.srv.Deliver("no-such-channel", &trackpb.CommandEvent{Command: "x"})
	require.ErrorIs(t, err, handler.ErrChannelNotFound)
}

// -------------------------------------------------------------------------
// Close paths
// -------------------------------------------------------------------------

func TestCloseChannelPublishesDisconnect(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)
	sess := g.login(t, c)

	require.True(t, g.srv.CloseChannel(sess.ChannelID, handler.ReasonReaped))
	expectClosed(t, c)

	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.SessionTopic) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var ev trackpb.SessionEvent
	require.NoError(t, ev.UnmarshalBinary(g.lastPayload(t, g.cfg.Bus.SessionTopic)))
	require.Equal(t, trackpb.SessionReaped, ev.Event)
	require.Equal(t, sess.ID, ev.SessionId)

	// The registry entry is gone.
	require.Eventually(t, func() bool {
		_, err := g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnectCleansUp(t *testing.T) {
	g := newGateway(t, nil)
	c := g.dial(t)
	g.login(t, c)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		_, err := g.reg.GetByIMEI(context.Background(), gt06.IMEI(testIMEI))
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return g.streamLen(t, g.cfg.Bus.SessionTopic) == 2
	}, 2*time.Second, 10*time.Millisecond)

	var ev trackpb.SessionEvent
	require.NoError(t, ev.UnmarshalBinary(g.lastPayload(t, g.cfg.Bus.SessionTopic)))
	require.Equal(t, trackpb.SessionDisconnected, ev.Event)
}
