package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 5 * time.Second

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers are authenticated by token, not cookies
	CheckOrigin: func(*http.Request) bool { return true },
}

// StreamMessage is one progress frame sent over the job stream
type StreamMessage struct {
	Type string      `json:"type"`
	Job  JobResponse `json:"job"`
}

// Stream message types
const (
	StreamProgress = "progress"
	StreamDone     = "done"
)

// streamJob handles GET /v1/jobs/{jobID}/stream. It upgrades to a websocket
// and pushes the job whenever its counters or status change, closing after
// the terminal state is sent.
func (h *Handler) streamJob(w http.ResponseWriter, r *http.Request) {
	job, ok := h.authorisedJob(w, r)
	if !ok {
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		logger := loggerWithRequest(r)
		logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reading is the only way to notice the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	interval := h.StreamInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *db.GenerationJob
	for {
		if changed(last, job) {
			msgType := StreamProgress
			if job.IsTerminal() {
				msgType = StreamDone
			}
			if err := writeFrame(conn, StreamMessage{Type: msgType, Job: newJobResponse(job)}); err != nil {
				return
			}
			last = job
		}

		if job.IsTerminal() {
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, job.Status)
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(streamWriteTimeout))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := h.Jobs.GetJob(ctx, job.ID)
		if err != nil {
			logger := loggerWithRequest(r)
			logger.Error().Err(err).Str("job_id", job.ID).Msg("Job stream poll failed")
			closeMsg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "job lookup failed")
			_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(streamWriteTimeout))
			return
		}
		job = next
	}
}

func changed(prev, cur *db.GenerationJob) bool {
	if prev == nil {
		return true
	}
	return prev.Status != cur.Status ||
		prev.CompletedPages != cur.CompletedPages ||
		prev.FailedPages != cur.FailedPages
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
