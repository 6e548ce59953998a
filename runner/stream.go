package runner

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hpcloud/tail"
	"tangled.sh/cosmos/pipeline/runner/db"
	"tangled.sh/cosmos/pipeline/runner/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams status events: first everything after ?cursor=, then new
// ones as they are recorded.
func (r *Runner) Events(w http.ResponseWriter, req *http.Request) {
	l := r.l.With("handler", "Events")

	var cursor int64
	if c := req.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	l.Info("upgraded http to wss")

	ch := r.n.Subscribe()
	defer r.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	// complete backfill first before going to live data
	l.Debug("going through backfill", "cursor", cursor)
	if err := r.streamEvents(conn, &cursor); err != nil {
		l.Error("failed to backfill", "err", err)
		return
	}

	for {
		// wait for new data or timeout
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case <-ch:
			if err := r.streamEvents(conn, &cursor); err != nil {
				l.Error("failed to stream", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err = conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
			}
		}
	}
}

func (r *Runner) streamEvents(conn *websocket.Conn, cursor *int64) error {
	for {
		evts, err := r.db.GetEvents(*cursor)
		if err != nil {
			return err
		}

		for _, ev := range evts {
			if err := conn.WriteJSON(ev); err != nil {
				return err
			}
			*cursor = ev.Created
		}

		// GetEvents pages by 100
		if len(evts) < 100 {
			return nil
		}
	}
}

// Logs streams a run's log lines, following the file until the run
// finishes. It needs a configured log directory.
func (r *Runner) Logs(w http.ResponseWriter, req *http.Request) {
	l := r.l.With("handler", "Logs")

	rid, err := models.ParseRunId(chi.URLParam(req, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if r.cfg.Pipelines.LogDir == "" {
		http.Error(w, "run logs are not persisted", http.StatusNotFound)
		return
	}

	status, err := r.db.GetStatus(rid)
	if errors.Is(err, db.ErrRunNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		l.Error("failed to get status", "run", rid.String(), "err", err)
		http.Error(w, "failed to get status", http.StatusInternalServerError)
		return
	}

	path := models.LogFilePath(r.cfg.Pipelines.LogDir, rid)
	finished := models.StatusKind(status.Status).IsFinish()
	if _, err := os.Stat(path); err != nil && finished {
		http.Error(w, "no logs for run", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := r.n.Subscribe()
	defer r.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	go readUntilClosed(conn, cancel)

	t, err := tail.TailFile(path, tail.Config{
		Follow: !finished,
		ReOpen: !finished,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		l.Error("failed to tail log file", "run", rid.String(), "err", err)
		return
	}
	defer t.Cleanup()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			// once the run is finished, read what is left and stop
			if s, err := r.db.GetStatus(rid); err == nil && models.StatusKind(s.Status).IsFinish() {
				go t.StopAtEOF()
			}
		case line, ok := <-t.Lines:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if line.Err != nil {
				l.Error("failed to read log line", "run", rid.String(), "err", line.Err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(line.Text)); err != nil {
				l.Error("failed to write log line", "err", err)
				return
			}
		}
	}
}

func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			cancel()
			return
		}
	}
}
