package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/3leaps/audioshelf/pkg/hub"
	"github.com/3leaps/audioshelf/pkg/jobregistry"
)

// Close codes sent on the live status sockets.
const (
	CloseJobNotFound ws.StatusCode = 4404
	CloseInternal    ws.StatusCode = ws.StatusInternalServerError
	CloseGoingAway   ws.StatusCode = ws.StatusGoingAway
)

const (
	maxClientFrame = 4 << 10
	writeTimeout   = 10 * time.Second
	closeTimeout   = time.Second
)

// clientMessage is the only client-to-server message: {"type":"ping"}.
type clientMessage struct {
	Type string `json:"type"`
}

// WatchJob streams one job: a snapshot with the current record and log tail,
// then every event on the job's topic. Unknown jobs are closed with 4404.
func (h *Jobs) WatchJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	c := newSocket(conn)
	defer c.conn.Close()

	sub := h.events.Subscribe(hub.JobTopic(id))
	defer h.events.Unsubscribe(sub)

	job, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if jobregistry.IsNotFound(err) {
			c.close(CloseJobNotFound, "job not found")
		} else {
			h.logger.Warn("websocket snapshot failed", zap.String("job_id", id), zap.Error(err))
			c.close(CloseInternal, "snapshot failed")
		}
		c.awaitClose()
		return
	}
	logs, err := h.svc.Logs(r.Context(), id, h.logTail)
	if err != nil {
		h.logger.Debug("websocket log tail unavailable", zap.String("job_id", id), zap.Error(err))
	}
	snapshot := hub.SnapshotEvent(job, logs)
	if err := c.writeEvent(&snapshot); err != nil {
		return
	}
	h.pump(c, sub, zap.String("job_id", id))
}

// WatchAll streams every job event for dashboards.
func (h *Jobs) WatchAll(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.upgrade(w, r)
	if !ok {
		return
	}
	c := newSocket(conn)
	defer c.conn.Close()

	sub := h.events.Subscribe(hub.TopicJobs)
	defer h.events.Unsubscribe(sub)
	h.pump(c, sub, zap.String("topic", hub.TopicJobs))
}

func (h *Jobs) upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, bool) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("path", r.URL.Path), zap.Error(err))
		return nil, false
	}
	// The server's read/write timeouts still apply to the hijacked conn.
	_ = conn.SetDeadline(time.Time{})
	return conn, true
}

// pump forwards subscriber events until the client goes away or the hub
// closes the subscription.
func (h *Jobs) pump(c *socket, sub *hub.Subscriber, field zap.Field) {
	h.logger.Debug("websocket connected", field, zap.String("subscriber", sub.ID()))
	defer h.logger.Debug("websocket disconnected", field, zap.String("subscriber", sub.ID()))

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readLoop(h.now)
	}()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				c.close(CloseGoingAway, "server shutting down")
				select {
				case <-done:
				case <-time.After(closeTimeout):
				}
				return
			}
			if err := c.writeEvent(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// socket serializes frame writes; the read loop answers pings while the pump
// writes events.
type socket struct {
	conn    net.Conn
	mu      sync.Mutex
	closing atomic.Bool
}

func newSocket(conn net.Conn) *socket {
	return &socket{conn: conn}
}

func (s *socket) write(f ws.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteFrame(s.conn, f)
}

// Write lets wsutil control handlers reply through the same lock as events.
func (s *socket) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.Write(p)
}

func (s *socket) writeEvent(ev *hub.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.write(ws.NewTextFrame(data))
}

// close starts the closing handshake. Only the first call sends a frame.
func (s *socket) close(code ws.StatusCode, reason string) {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	_ = s.write(ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason)))
}

func (s *socket) reader() *wsutil.Reader {
	return &wsutil.Reader{
		Source:         s.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		MaxFrameSize:   maxClientFrame,
		OnIntermediate: s.control,
	}
}

// control answers pings and close frames. A close that replies to our own
// close frame is not echoed again.
func (s *socket) control(hdr ws.Header, r io.Reader) error {
	if hdr.OpCode == ws.OpClose && s.closing.Swap(true) {
		_, _ = io.Copy(io.Discard, r)
		return wsutil.ClosedError{Code: ws.StatusNormalClosure}
	}
	return wsutil.ControlHandler{
		Src:                 r,
		Dst:                 s,
		State:               ws.StateServerSide,
		DisableSrcCiphering: true,
	}.Handle(hdr)
}

// awaitClose waits briefly for the peer's close frame so it can read ours
// before the connection drops.
func (s *socket) awaitClose() {
	_ = s.conn.SetReadDeadline(time.Now().Add(closeTimeout))
	rd := s.reader()
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if s.control(hdr, rd) != nil || hdr.OpCode == ws.OpClose {
				return
			}
			continue
		}
		if rd.Discard() != nil {
			return
		}
	}
}

// readLoop handles client messages until the connection fails or closes.
// The only message acted on is a text {"type":"ping"}.
func (s *socket) readLoop(now func() time.Time) {
	rd := s.reader()
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			if errors.Is(err, wsutil.ErrFrameTooLarge) {
				s.close(ws.StatusMessageTooBig, "message too big")
			}
			return
		}
		if hdr.OpCode.IsControl() {
			if s.control(hdr, rd) != nil {
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if rd.Discard() != nil {
				return
			}
			continue
		}

		payload, err := io.ReadAll(io.LimitReader(rd, maxClientFrame+1))
		if err != nil {
			return
		}
		if len(payload) > maxClientFrame {
			s.close(ws.StatusMessageTooBig, "message too big")
			return
		}
		var msg clientMessage
		if json.Unmarshal(payload, &msg) != nil || msg.Type != "ping" {
			continue
		}
		if s.writeEvent(&hub.Event{Type: hub.EventPong, Timestamp: now().UTC()}) != nil {
			return
		}
	}
}
