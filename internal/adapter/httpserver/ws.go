package httpserver

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// WebSocket close codes for auth and ownership failures.
const (
	wsCloseUnauthorized = 4401
	wsCloseNotFound     = 4404
)

const (
	wsPollInterval = 500 * time.Millisecond
	wsChunkLimit   = 500
	wsWriteWait    = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Log streaming is credentialed via headers, not cookies, so cross-origin
	// upgrades carry no ambient authority.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsFrame struct {
	NextOffsetSeq int64     `json:"next_offset_seq"`
	Chunks        []wsChunk `json:"chunks"`
}

type wsChunk struct {
	Seq    int64  `json:"seq"`
	TS     string `json:"ts"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// JobLogsWSHandler handles GET /v1/jobs/{id}/logs/ws. The connection is
// upgraded first and authenticated from the upgrade request's headers, so
// failures surface as WebSocket close codes rather than HTTP statuses.
func (s *Server) JobLogsWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error.
			return
		}
		defer func() { _ = conn.Close() }()

		consumer, err := AuthenticateConsumer(r.Context(), s.Consumers, r.Header.Get(HeaderConsumerKey))
		if err != nil {
			closeWS(conn, wsCloseUnauthorized, "unauthorized")
			return
		}
		jobID := chi.URLParam(r, "id")
		if _, err := s.Jobs.Get(r.Context(), consumer, jobID); err != nil {
			closeWS(conn, wsCloseNotFound, "not found")
			return
		}

		var offset int64
		for {
			// Alternate a short-deadline receive for client seeks with a
			// store poll; one goroutine per socket, no fan-out.
			next, gone := readSeek(conn, offset)
			if gone {
				return
			}
			offset = next

			page, err := s.Jobs.GetLogs(r.Context(), consumer, jobID, offset, wsChunkLimit)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					closeWS(conn, wsCloseNotFound, "not found")
				}
				return
			}
			if len(page.Chunks) > 0 {
				frame := wsFrame{NextOffsetSeq: page.NextOffsetSeq, Chunks: make([]wsChunk, 0, len(page.Chunks))}
				for _, c := range page.Chunks {
					frame.Chunks = append(frame.Chunks, wsChunk{
						Seq:    c.Seq,
						TS:     c.TS.UTC().Format(time.RFC3339Nano),
						Stream: c.Stream,
						Text:   c.Text,
					})
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
				offset = page.NextOffsetSeq
			}
		}
	}
}

// readSeek waits up to the poll interval for an "offset=N" text message and
// returns the (possibly updated) offset. The second return is true when the
// peer has gone away.
func readSeek(conn *websocket.Conn, offset int64) (int64, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPollInterval))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return offset, false
		}
		return offset, true
	}
	if v, ok := strings.CutPrefix(strings.TrimSpace(string(msg)), "offset="); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			return n, false
		}
	}
	return offset, false
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
