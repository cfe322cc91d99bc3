package media

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/dialer-ai-platform/pkg/logging"
)

// streamMessage is the carrier's media WebSocket envelope. The JSON control
// prelude ("start") identifies the call; "media" events carry base64 µ-law
// payloads in both directions.
type streamMessage struct {
	Event          string       `json:"event"`
	SequenceNumber string       `json:"sequence_number,omitempty"`
	StreamID       string       `json:"stream_id,omitempty"`
	Start          *streamStart `json:"start,omitempty"`
	Media          *streamMedia `json:"media,omitempty"`
}

type streamStart struct {
	CallControlID string `json:"call_control_id"`
	StreamID      string `json:"stream_id"`
}

type streamMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

// StreamServer accepts the carrier-initiated media WebSockets and routes
// frames to the owning call's pipeline. Pipelines register as soon as
// origination returns a call id and deregister on teardown, so a stray
// connection for an unknown call is simply drained.
type StreamServer struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	pipelines map[string]*Pipeline

	// sem caps concurrent connections.
	sem chan struct{}
}

// NewStreamServer builds a media WebSocket server capped at maxConns
// concurrent connections.
func NewStreamServer(maxConns int, logger *logging.Logger) *StreamServer {
	if maxConns <= 0 {
		maxConns = 100
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &StreamServer{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pipelines: make(map[string]*Pipeline),
		sem:       make(chan struct{}, maxConns),
	}
}

// Register binds a pipeline to its call control id ahead of the carrier
// connecting.
func (s *StreamServer) Register(callID string, p *Pipeline) {
	s.mu.Lock()
	s.pipelines[callID] = p
	s.mu.Unlock()
}

// Deregister removes the binding. Idempotent.
func (s *StreamServer) Deregister(callID string) {
	s.mu.Lock()
	delete(s.pipelines, callID)
	s.mu.Unlock()
}

func (s *StreamServer) lookup(callID string) *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pipelines[callID]
}

// ActiveConns reports how many media sockets are currently open.
func (s *StreamServer) ActiveConns() int {
	return len(s.sem)
}

// Handler returns the HTTP handler the carrier connects to.
func (s *StreamServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
		default:
			http.Error(w, "stream capacity exhausted", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-s.sem }()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("media stream upgrade failed", "error", err)
			return
		}
		defer conn.Close()
		s.serveConn(conn)
	}
}

func (s *StreamServer) serveConn(conn *websocket.Conn) {
	var pipeline *Pipeline
	var callID string

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("media stream read error", "call_id", callID, "error", err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("media stream bad frame", "error", err)
			continue
		}

		switch msg.Event {
		case "connected":
			// Socket-level hello, nothing to route yet.
		case "start":
			if msg.Start == nil || msg.Start.CallControlID == "" {
				s.logger.Warn("media stream start without call id")
				continue
			}
			callID = msg.Start.CallControlID
			pipeline = s.lookup(callID)
			if pipeline == nil {
				s.logger.Warn("media stream for unknown call", "call_id", callID)
				continue
			}
			pipeline.AttachWriter(&wsFrameWriter{conn: conn, streamID: msg.Start.StreamID})
			s.logger.Info("media stream attached", "call_id", callID)
		case "media":
			if pipeline == nil || msg.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				s.logger.Warn("media stream bad payload", "call_id", callID, "error", err)
				continue
			}
			pipeline.HandleInboundFrame(payload)
		case "stop":
			s.logger.Info("media stream stopped", "call_id", callID)
			return
		}
	}
}

// wsFrameWriter pushes outbound µ-law frames onto the carrier socket. The
// write mutex serialises against concurrent control writes.
type wsFrameWriter struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	streamID string
}

func (w *wsFrameWriter) WriteFrame(payload []byte) error {
	msg := streamMessage{
		Event: "media",
		Media: &streamMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}
