// Package transport binds the delivery core to WebSocket connections.
// One session goroutine per connection reads frames; a write pump owns the
// socket's write side so engine pushes and command replies never interleave.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"dm-relay/contract"
	"dm-relay/domain"
)

type Server struct {
	log        *slog.Logger
	engine     contract.IEngine
	upgrader   websocket.Upgrader
	bufferSize int
}

func NewServer(log *slog.Logger, engine contract.IEngine, bufferSize int) *Server {
	return &Server{
		log:        log,
		engine:     engine,
		upgrader:   websocket.Upgrader{},
		bufferSize: bufferSize,
	}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	session := &session{
		log:    s.log,
		engine: s.engine,
		conn:   conn,
		sink:   NewSink(s.bufferSize),
		out:    make(chan Frame, s.bufferSize),
		done:   make(chan struct{}),
	}
	session.run()
}

type session struct {
	log      *slog.Logger
	engine   contract.IEngine
	conn     *websocket.Conn
	sink     *Sink
	identity string
	out      chan Frame
	done     chan struct{}
}

func (s *session) run() {
	defer s.conn.Close()
	go s.writePump()
	s.readLoop()
}

// readLoop owns the session lifecycle: it registers the identity on the
// first valid register frame and unregisters it when the socket dies.
func (s *session) readLoop() {
	defer close(s.done)
	defer func() {
		if s.identity != "" {
			s.engine.Disconnect(s.identity, s.sink)
		}
	}()

	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("connection lost", "identity", s.identity, "error", err)
			}
			return
		}
		s.dispatch(frame)
	}
}

func (s *session) dispatch(frame Frame) {
	if frame.Type == frameRegister {
		s.register(frame)
		return
	}
	if s.identity == "" {
		s.reply(errorFrame("register first"))
		return
	}

	switch frame.Type {
	case frameSend:
		_, err := s.engine.Send(s.ctx(), domain.SendCommand{
			From:   s.identity,
			To:     frame.To,
			Text:   frame.Text,
			TempID: frame.TempID,
		})
		if err != nil {
			// The acknowledgment path only covers accepted sends, so a
			// synchronous failure is reported on the spot.
			s.reply(errorFrame(err.Error()))
		}
	case frameDelivered:
		if err := s.engine.MarkDelivered(s.ctx(), frame.MessageID); err != nil {
			s.reply(errorFrame(err.Error()))
		}
	case frameRead:
		s.read(frame)
	case frameOpen:
		if err := s.engine.OpenConversation(s.ctx(), s.identity, frame.With); err != nil {
			s.reply(errorFrame(err.Error()))
		}
	case frameHistory:
		messages, cursor, err := s.engine.History(s.identity, frame.With, frame.Cursor)
		if err != nil {
			s.reply(errorFrame(err.Error()))
			return
		}
		s.reply(Frame{Type: frameHistory, With: frame.With, Messages: messages, Cursor: cursor})
	case frameConversations:
		conversations, err := s.engine.Conversations(s.identity)
		if err != nil {
			s.reply(errorFrame(err.Error()))
			return
		}
		s.reply(Frame{Type: frameConversations, Conversations: conversations})
	default:
		s.reply(errorFrame("unknown frame type " + frame.Type))
	}
}

// register binds the connection to an identity. Identities are
// pre-validated upstream; the transport only enforces the structural
// precondition the conversation key derivation relies on.
func (s *session) register(frame Frame) {
	identity := strings.TrimSpace(frame.Identity)
	if identity == "" || strings.Contains(identity, domain.KeySeparator) {
		s.reply(errorFrame("invalid identity"))
		return
	}
	if s.identity != "" {
		s.engine.Disconnect(s.identity, s.sink)
	}
	s.identity = identity
	s.engine.Register(identity, s.sink)
	s.reply(Frame{Type: frameRegistered, Identity: identity})
}

// read handles both acknowledgment shapes: per-message ({messageId}) and
// bulk ({from}), the latter being equivalent to opening the conversation.
func (s *session) read(frame Frame) {
	var err error
	switch {
	case frame.MessageID != 0:
		err = s.engine.MarkRead(s.ctx(), frame.MessageID)
	case frame.From != "":
		err = s.engine.OpenConversation(s.ctx(), s.identity, frame.From)
	default:
		s.reply(errorFrame("read needs messageId or from"))
		return
	}
	if err != nil {
		s.reply(errorFrame(err.Error()))
	}
}

func (s *session) reply(frame Frame) {
	select {
	case s.out <- frame:
	case <-s.done:
	}
}

// writePump is the only writer on the socket.
func (s *session) writePump() {
	for {
		select {
		case evt := <-s.sink.Events():
			if err := s.conn.WriteJSON(eventFrame(evt)); err != nil {
				s.log.Warn("push write failed", "identity", s.identity, "error", err)
				return
			}
		case frame := <-s.out:
			if err := s.conn.WriteJSON(frame); err != nil {
				s.log.Warn("reply write failed", "identity", s.identity, "error", err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// ctx scopes engine calls to the connection. Disconnect does not cancel
// in-flight sends, so this is not tied to the socket lifetime.
func (s *session) ctx() context.Context {
	return context.Background()
}
