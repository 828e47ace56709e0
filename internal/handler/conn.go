package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dantte-lp/gogt06/internal/gt06"
	"github.com/dantte-lp/gogt06/internal/session"
	"github.com/dantte-lp/gogt06/pkg/trackpb"
)

// connState tracks the per-connection login state machine.
type connState uint8

const (
	// stateExpectLogin: only a 0x01 login frame is acceptable.
	stateExpectLogin connState = iota

	// stateAuthenticated: the login ACK has been sent and telemetry flows.
	stateAuthenticated
)

// pendingCommand pairs a queued command with the channel its write
// outcome is reported on.
type pendingCommand struct {
	cmd  *trackpb.CommandEvent
	done chan error
}

// Conn is one device connection. The serve goroutine owns the read side
// and the decoder; the command goroutine owns draining the outbound
// queue. All socket writes go through writeFrame, which serializes them.
type Conn struct {
	server    *Server
	sock      net.Conn
	channelID string
	logger    *slog.Logger

	dec   *gt06.Decoder
	state connState
	sess  *session.Session

	// commands is the bounded outbound queue drained by commandLoop.
	commands chan pendingCommand

	// cmdClosed marks the queue rejected for new enqueues once the
	// writer has exited and drained it.
	cmdMu     sync.Mutex
	cmdClosed bool

	// serial numbers server-initiated frames; device ACK frames echo the
	// device's own serial instead.
	serial uint16

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	// finished is closed after finish returns, so the lifecycle record
	// for this connection is already queued on the bus.
	finished chan struct{}

	// reason is set by closeWithReason before the socket is torn down.
	reasonMu sync.Mutex
	reason   string

	// failures holds decode failure timestamps inside the sliding window.
	failures []time.Time
}

func newConn(s *Server, sock net.Conn, channelID string) *Conn {
	return &Conn{
		server:    s,
		sock:      sock,
		channelID: channelID,
		logger: s.logger.With(
			slog.String("channel_id", channelID),
			slog.String("remote_addr", sock.RemoteAddr().String()),
		),
		dec: gt06.NewDecoder(gt06.DecoderConfig{
			SearchWindow:  s.cfg.Decoder.SearchWindowBytes,
			MaxFrameBytes: s.cfg.Decoder.MaxFrameBytes,
		}),
		commands: make(chan pendingCommand, s.cfg.Handler.CommandBuffer),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// serve runs the read loop until the connection dies, then tears down
// session state and emits the lifecycle record.
func (c *Conn) serve(ctx context.Context) {
	defer close(c.finished)
	go c.commandLoop()

	reason := c.readLoop(ctx)
	c.closeWithReason(reason)
	c.finish(ctx)
}

// readLoop pulls bytes, feeds the decoder, and dispatches frames.
// Returns the close reason.
func (c *Conn) readLoop(ctx context.Context) string {
	buf := make([]byte, 4096)

	for {
		// Before login the read deadline is the unauthenticated timeout;
		// a silent connection has no registry record, so the reaper
		// cannot reach it and the deadline is the only thing dropping it.
		deadline := c.server.cfg.Handler.ReadTimeout()
		if c.state == stateExpectLogin {
			deadline = c.server.cfg.Session.UnauthTimeout()
		}
		if err := c.sock.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return reasonEOF
		}

		n, err := c.sock.Read(buf)
		if n > 0 {
			c.server.metrics.AddBytesRead(n)

			frames := c.dec.Feed(buf[:n])
			if skipped := c.dec.SkippedBytes(); skipped > 0 {
				c.server.metrics.AddNoiseBytes(skipped)
				c.logger.Debug("skipped noise bytes", slog.Uint64("count", skipped))
			}

			for i := range frames {
				if reason, closed := c.handleFrame(ctx, &frames[i]); closed {
					return reason
				}
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return reasonEOF
			case isTimeout(err):
				return reasonTimeout
			default:
				// Closed locally (replaced, reaped, shutdown) or a hard
				// network error; closeWithReason already set the reason
				// in the former case.
				return c.closeReason(reasonEOF)
			}
		}
	}
}

// handleFrame decodes and dispatches one frame. Returns (reason, true)
// when the connection must close.
func (c *Conn) handleFrame(ctx context.Context, f *gt06.Frame) (string, bool) {
	now := time.Now()
	msg, err := gt06.DecodeMessage(f, now)
	if err != nil {
		return c.handleDecodeFailure(f, err, now)
	}

	c.server.metrics.IncFrame(msg.Kind.String())

	if f.Stop != gt06.StopStandard {
		c.logger.Debug("non-standard stop marker", slog.String("stop", f.Stop.String()))
	}

	if c.state == stateExpectLogin {
		if msg.Kind != gt06.KindLogin {
			// A device that talks before logging in is not speaking the
			// session protocol; no ACK, drop the connection.
			c.logger.Warn("frame before login",
				slog.String("kind", msg.Kind.String()))
			return reasonProtocol, true
		}
		return c.handleLogin(ctx, msg, now)
	}

	return c.handleAuthenticated(ctx, msg, now)
}

// handleDecodeFailure acknowledges what can be acknowledged, counts the
// failure, and closes the connection once failures exceed the window
// limit. A single corrupt frame never drops a device; a stream of them
// does.
func (c *Conn) handleDecodeFailure(f *gt06.Frame, err error, now time.Time) (string, bool) {
	reason := failureReason(err)
	c.server.metrics.IncDecodeFailure(reason)
	c.logger.Debug("decode failure",
		slog.String("reason", reason),
		slog.String("protocol", protocolHex(f.Protocol)),
		slog.Any("error", err))

	// The frame is structurally sound (it has a serial), so answer it;
	// an unanswered frame makes the device retransmit the same garbage.
	// Failed logins are the exception: no ACK, the device must retry.
	if c.state != stateExpectLogin {
		if werr := c.writeFrame(gt06.Ack(f.Protocol, f.Serial)); werr != nil {
			return reasonWrite, true
		}
		if c.sess != nil {
			c.server.registry.Touch(context.Background(), c.sess.ID, now)
		}
	}

	c.failures = append(c.failures, now)
	c.pruneFailures(now)
	if len(c.failures) >= c.server.cfg.Handler.DecodeFailureLimit {
		c.logger.Warn("decode failure limit exceeded",
			slog.Int("failures", len(c.failures)),
			slog.Duration("window", c.server.cfg.Handler.DecodeFailureWindow()))
		return reasonProtocol, true
	}
	return "", false
}

// pruneFailures drops failure timestamps outside the sliding window.
func (c *Conn) pruneFailures(now time.Time) {
	cutoff := now.Add(-c.server.cfg.Handler.DecodeFailureWindow())
	kept := c.failures[:0]
	for _, t := range c.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failures = kept
}

// handleLogin runs the authentication sequence:
//
//  1. install the session (tearing down any prior session for the IMEI),
//  2. close the replaced connection, if any,
//  3. ACK the login,
//  4. mark the session authenticated,
//  5. publish the Connected lifecycle record.
//
// The replaced connection is torn down, and its Replaced record queued,
// before the Connected record is published, so stream consumers see the
// old session end before the new one begins.
func (c *Conn) handleLogin(ctx context.Context, msg *gt06.Message, now time.Time) (string, bool) {
	imei := msg.Login.IMEI

	sess, replacedChannel, err := c.server.registry.CreateOrReplace(
		ctx, imei, c.channelID, c.sock.RemoteAddr().String(), now)
	if err != nil {
		c.logger.Error("create session", slog.String("imei", imei.String()), slog.Any("error", err))
		return reasonRegistry, true
	}
	c.sess = sess
	c.logger = c.logger.With(slog.String("imei", imei.String()))

	if replacedChannel != "" && replacedChannel != c.channelID {
		if c.server.closeAndWait(replacedChannel, reasonReplaced) {
			c.logger.Info("replaced stale connection",
				slog.String("stale_channel_id", replacedChannel))
		}
	}

	if err := c.writeFrame(gt06.Ack(msg.Protocol, msg.Serial)); err != nil {
		return reasonWrite, true
	}

	if err := c.server.registry.Authenticate(ctx, sess.ID, now); err != nil {
		c.logger.Error("authenticate session", slog.Any("error", err))
		return reasonRegistry, true
	}

	// The extended login body reports terminal type and timezone; keep
	// them on the session so telemetry records carry them.
	if attrs := loginAttributes(msg.Login); len(attrs) > 0 {
		if err := c.server.registry.SetAttributes(ctx, sess.ID, attrs); err != nil {
			c.logger.Warn("persist session attributes", slog.Any("error", err))
		}
		sess.Attributes = attrs
	}

	c.state = stateAuthenticated
	c.server.metrics.SessionUp()
	c.logger.Info("device authenticated", slog.String("session_id", sess.ID))

	c.server.publisher.SessionEvent(&trackpb.SessionEvent{
		Imei:       imei.String(),
		SessionId:  sess.ID,
		Event:      trackpb.SessionConnected,
		RemoteAddr: sess.RemoteAddr,
		AtUnix:     now.Unix(),
	})
	return "", false
}

// handleAuthenticated processes one post-login message: ACK first, then
// touch, then publish. The ACK goes out before the telemetry record is
// queued so a slow bus can never delay the device's retransmit timer.
func (c *Conn) handleAuthenticated(ctx context.Context, msg *gt06.Message, now time.Time) (string, bool) {
	if msg.Kind == gt06.KindLogin {
		// Some firmware re-sends the login after network hiccups. The
		// session is already live; just acknowledge it.
		if err := c.writeFrame(gt06.Ack(msg.Protocol, msg.Serial)); err != nil {
			return reasonWrite, true
		}
		c.server.registry.Touch(ctx, c.sess.ID, now)
		return "", false
	}

	if err := c.writeFrame(gt06.Ack(msg.Protocol, msg.Serial)); err != nil {
		return reasonWrite, true
	}

	c.server.registry.Touch(ctx, c.sess.ID, now)
	msg.IMEI = c.sess.IMEI

	// Persist the fix before publishing so registry readers and stream
	// consumers agree on the device's last known position.
	if loc := gpsValidLocation(msg); loc != nil {
		if err := c.server.registry.SetLastPosition(ctx, c.sess.ID, loc.Latitude, loc.Longitude, now); err != nil {
			c.logger.Warn("persist last position", slog.Any("error", err))
		}
		c.server.publisher.LocationFix(toLocationRecord(msg, loc))
	}

	c.server.publisher.Telemetry(toTelemetryRecord(msg, c.sess))
	return "", false
}

// gpsValidLocation returns the message's location when it carries a
// gps-valid fix.
func gpsValidLocation(msg *gt06.Message) *gt06.Location {
	switch msg.Kind {
	case gt06.KindLocation:
		if msg.Location != nil && msg.Location.GPSValid {
			return msg.Location
		}
	case gt06.KindAlarm:
		if msg.Alarm != nil && msg.Alarm.Location.GPSValid {
			return &msg.Alarm.Location
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// enqueueCommand hands an online command to the connection's writer and
// waits for the write outcome. A nil return means the command frame was
// written to the socket; anything else means the device did not get it
// and the caller must retry elsewhere.
func (c *Conn) enqueueCommand(cmd *trackpb.CommandEvent) error {
	select {
	case <-c.closed:
		return ErrChannelNotFound
	default:
	}

	p := pendingCommand{cmd: cmd, done: make(chan error, 1)}

	c.cmdMu.Lock()
	if c.cmdClosed {
		c.cmdMu.Unlock()
		return ErrChannelNotFound
	}
	select {
	case c.commands <- p:
	default:
		c.cmdMu.Unlock()
		return ErrCommandQueueFull
	}
	c.cmdMu.Unlock()

	return <-p.done
}

// commandLoop drains the outbound queue onto the socket and answers each
// command's done channel with the write outcome. Only this goroutine
// marshals command frames, so server-initiated serials stay strictly
// increasing per connection.
func (c *Conn) commandLoop() {
	defer c.drainCommands()

	for {
		select {
		case <-c.closed:
			return
		case p := <-c.commands:
			c.serial++
			frame, err := gt06.MarshalCommand(c.serial, p.cmd.ServerFlag, p.cmd.Command)
			if err != nil {
				c.logger.Warn("unmarshalable command",
					slog.String("command_id", p.cmd.CommandId), slog.Any("error", err))
				p.done <- err
				continue
			}
			if err := c.writeFrame(frame); err != nil {
				c.logger.Warn("command write failed",
					slog.String("command_id", p.cmd.CommandId), slog.Any("error", err))
				p.done <- err
				c.closeWithReason(reasonWrite)
				return
			}
			p.done <- nil
			c.logger.Debug("command delivered",
				slog.String("command_id", p.cmd.CommandId))
		}
	}
}

// drainCommands fails every command still queued once the writer exits,
// so none of them is ever reported as delivered. The done channels are
// buffered, so answering an enqueue that already gave up cannot block.
func (c *Conn) drainCommands() {
	c.cmdMu.Lock()
	c.cmdClosed = true
	c.cmdMu.Unlock()

	for {
		select {
		case p := <-c.commands:
			p.done <- ErrChannelNotFound
		default:
			return
		}
	}
}

// writeFrame puts one frame on the wire under the write deadline.
func (c *Conn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.sock.SetWriteDeadline(time.Now().Add(c.server.cfg.Handler.WriteTimeout())); err != nil {
		return err
	}
	_, err := c.sock.Write(frame)
	return err
}

// -------------------------------------------------------------------------
// Teardown
// -------------------------------------------------------------------------

// closeWithReason closes the socket exactly once, recording why. Safe to
// call from any goroutine; the serve goroutine observes the read error
// and runs finish.
func (c *Conn) closeWithReason(reason string) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()

		close(c.closed)
		c.sock.Close()
	})
}

// closeReason returns the recorded close reason, or fallback when the
// close was not initiated by closeWithReason.
func (c *Conn) closeReason(fallback string) string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		c.reason = fallback
	}
	return c.reason
}

// finish tears down registry state and publishes the lifecycle record.
// Runs on the serve goroutine after the read loop exits.
func (c *Conn) finish(ctx context.Context) {
	c.server.unregister(c.channelID)

	reason := c.closeReason(reasonEOF)
	c.server.metrics.ConnClosed(reason)

	if c.sess == nil {
		c.logger.Debug("connection closed before login", slog.String("reason", reason))
		return
	}

	c.server.metrics.SessionDown()

	// The replaced path must not delete the successor's registry state;
	// Delete is a no-op for a session that was already replaced.
	if err := c.server.registry.Delete(ctx, c.sess.ID); err != nil {
		c.logger.Warn("delete session", slog.Any("error", err))
	}

	event := trackpb.SessionDisconnected
	switch reason {
	case reasonReplaced:
		event = trackpb.SessionReplaced
	case reasonReaped:
		event = trackpb.SessionReaped
	}

	c.server.publisher.SessionEvent(&trackpb.SessionEvent{
		Imei:       c.sess.IMEI.String(),
		SessionId:  c.sess.ID,
		Event:      event,
		RemoteAddr: c.sess.RemoteAddr,
		AtUnix:     time.Now().Unix(),
		Reason:     reason,
	})

	c.logger.Info("connection closed",
		slog.String("session_id", c.sess.ID),
		slog.String("reason", reason))
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// failureReason maps a decode error to its metric label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, gt06.ErrCrcMismatch):
		return "crc_mismatch"
	case errors.Is(err, gt06.ErrTruncatedPayload):
		return "truncated"
	case errors.Is(err, gt06.ErrUnknownProtocol):
		return "unknown_protocol"
	case errors.Is(err, gt06.ErrInvalidBcd), errors.Is(err, gt06.ErrInvalidIMEI):
		return "invalid_bcd"
	default:
		return "other"
	}
}

// protocolHex formats a protocol number for logging.
func protocolHex(p byte) string {
	const hexdigits = "0123456789ABCDEF"
	return "0x" + string([]byte{hexdigits[p>>4], hexdigits[p&0x0F]})
}

// isTimeout reports whether err is a network deadline expiry.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
