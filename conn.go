package xferd

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/xferd/frame"
	"github.com/opd-ai/xferd/session"
	"github.com/opd-ai/xferd/transfer"
)

// handleConn drives one connection: every read is routed by the session
// mode until the peer leaves, a CLOSE is processed or the server stops.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sess := session.New(ctx, conn, session.Options{
		MaxLine: s.cfg.Transfer.MaxCommandLine,
		Logger:  s.log,
	})
	log := sess.Logger()
	log.WithField("function", "handleConn").Info("Client connected")
	defer s.teardown(sess)

	buf := make([]byte, s.cfg.Server.ReadBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.route(sess, buf[:n])
			if sess.CloseRequested() {
				return
			}
		}
		if err != nil {
			if !isBenignCloseError(err) {
				log.WithFields(logrus.Fields{
					"function": "handleConn",
					"error":    err.Error(),
				}).Warn("Connection read failed")
			}
			return
		}
	}
}

// route delivers one read. Bytes go to the active transfer while there is
// one; a command that installs a transfer gets the rest of the read, and
// bytes a finished transfer did not consume go back to the parser.
func (s *Server) route(sess *session.Session, p []byte) {
	for len(p) > 0 && !sess.CloseRequested() {
		if sess.Mode() == session.ModeAwaitingCommand {
			sess.Parser().Append(p)
			p = s.dispatch(sess)
			continue
		}

		h := sess.ActiveTransfer()
		if h == nil {
			// The transfer ended between the two reads.
			continue
		}
		n, err := h.HandleData(p)
		if errors.Is(err, transfer.ErrFinished) {
			sess.EndTransfer(h)
			continue
		}
		if err != nil {
			sess.Logger().WithFields(logrus.Fields{
				"function": "route",
				"error":    err.Error(),
			}).Warn("Transfer rejected data")
		}
		if n <= 0 {
			return
		}
		p = p[n:]
	}
}

// dispatch executes every complete command line. When a command installs a
// transfer the remaining buffered bytes are returned for the handler.
func (s *Server) dispatch(sess *session.Session) []byte {
	parser := sess.Parser()
	for {
		line, ok, err := parser.Next()
		if err != nil {
			sess.Logger().WithFields(logrus.Fields{
				"function": "dispatch",
				"error":    err.Error(),
			}).Warn("Command framing failed")
			s.reply(sess, "Error: "+err.Error())
			return nil
		}
		if !ok {
			return nil
		}

		verb, args := frame.Tokenize(line)
		if verb == "" {
			continue
		}
		if reply := s.registry.Execute(sess.Context(), sess, verb, args); reply != "" {
			s.reply(sess, reply)
		}
		if sess.CloseRequested() {
			return nil
		}
		if sess.Mode() == session.ModeStreaming {
			return parser.Take()
		}
	}
}

func (s *Server) reply(sess *session.Session, line string) {
	if err := sess.Send(line); err != nil {
		sess.Logger().WithFields(logrus.Fields{
			"function": "reply",
			"error":    err.Error(),
		}).Debug("Reply not delivered")
	}
}

// teardown closes the socket, interrupts any active transfer so it records
// a checkpoint and, when configured, forgets a cleanly closed client.
func (s *Server) teardown(sess *session.Session) {
	graceful := sess.CloseRequested()
	sess.Teardown()

	if graceful && s.cfg.Resume.ClearOnClose {
		s.files.Clear(sess.ClientAddr(), "")
	}

	sess.Logger().WithFields(logrus.Fields{
		"function": "teardown",
		"graceful": graceful,
	}).Info("Client disconnected")
}

func isBenignCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
