package engine

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/kabili207/fota-go/core/codec"
	"github.com/kabili207/fota-go/server/session"
)

// conn is the per-connection state. It is only touched by the goroutine
// serving the connection.
type conn struct {
	id     session.ConnID
	nc     net.Conn
	r      *bufio.Reader
	log    *slog.Logger
	device string

	// sessions bound to this connection, with their sizing windows.
	sessions map[string]*sizing
}

func (c *conn) track(sessionID string) *sizing {
	z, ok := c.sessions[sessionID]
	if !ok {
		z = &sizing{}
		c.sessions[sessionID] = z
	}
	return z
}

// ServeConn runs the request loop for one connection until the peer
// disconnects, an I/O error occurs, or ctx is cancelled. Sessions bound to
// the connection are marked interrupted when it ends.
func (e *Engine) ServeConn(ctx context.Context, nc net.Conn) error {
	c := &conn{
		id:       session.ConnID(e.nextConn.Add(1)),
		nc:       nc,
		r:        bufio.NewReaderSize(nc, codec.MaxLineLength),
		sessions: make(map[string]*sizing),
	}
	c.log = e.log.With("conn", uint64(c.id), "remote", remoteAddr(nc))

	e.counters.Connections.Add(1)
	e.counters.ActiveConnections.Add(1)
	defer e.counters.ActiveConnections.Add(-1)

	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()
	defer nc.Close()
	defer e.release(c)

	c.log.Debug("connection opened")

	for {
		if err := nc.SetReadDeadline(nowPlus(e.cfg.IdleTimeout)); err != nil && !isNoDeadline(err) {
			return err
		}
		line, err := codec.ReadLine(c.r, codec.MaxLineLength)
		if err != nil {
			if errors.Is(err, codec.ErrLineTooLong) {
				if werr := e.reply(c, codec.ErrorResponse("", codec.Errorf(codec.CodeBadRequest, "request line too long"))); werr != nil {
					return werr
				}
				continue
			}
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection closed")
				return nil
			}
			c.log.Info("connection read failed", "error", err)
			return err
		}
		if len(line) == 0 {
			continue
		}
		if err := e.handleLine(c, line); err != nil {
			c.log.Info("connection write failed", "error", err)
			return err
		}
	}
}

// handleLine dispatches one request. A returned error means the response
// could not be written and the connection is unusable.
func (e *Engine) handleLine(c *conn, line []byte) error {
	e.counters.Requests.Add(1)

	req, err := codec.ParseRequest(line)
	if err != nil {
		var action codec.Action
		if req != nil {
			action = req.Action
		}
		c.log.Debug("rejected request", "error", err)
		return e.reply(c, codec.ErrorResponse(action, err))
	}
	if c.device == "" {
		c.device = req.Device
		c.log = c.log.With("device", req.Device)
	}

	switch req.Action {
	case codec.ActionCheck:
		return e.handleCheck(c, req)
	case codec.ActionDownload:
		return e.handleDownload(c, req)
	case codec.ActionVerify:
		return e.handleVerify(c, req)
	case codec.ActionResume:
		return e.handleResume(c, req)
	}
	return e.reply(c, codec.ErrorResponse(req.Action, codec.Errorf(codec.CodeUnknownAction, "unknown action %q", req.Action)))
}

// reply writes a control response.
func (e *Engine) reply(c *conn, resp *codec.Response) error {
	if resp.Status == codec.StatusError {
		e.counters.Errors.Add(1)
	}
	if err := c.nc.SetWriteDeadline(nowPlus(e.cfg.WriteTimeout)); err != nil && !isNoDeadline(err) {
		return err
	}
	return codec.WriteMessage(c.nc, resp)
}

// fail writes an error response for action.
func (e *Engine) fail(c *conn, action codec.Action, err error) error {
	c.log.Debug("request failed", "action", string(action), "error", err)
	return e.reply(c, codec.ErrorResponse(action, err))
}

// release marks every session still owned by c as interrupted.
func (e *Engine) release(c *conn) {
	for id := range c.sessions {
		if e.reg.MarkInterrupted(id, c.id) {
			if s, err := e.reg.Get(id); err == nil {
				e.notify(session.EventInterrupted, s)
			}
		}
	}
}

func remoteAddr(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

func nowPlus(d time.Duration) time.Time { return time.Now().Add(d) }

func isNoDeadline(err error) bool { return errors.Is(err, os.ErrNoDeadline) }

func sessionError(err error) error {
	return codec.Errorf(codec.CodeInvalidSession, "%v", err)
}
