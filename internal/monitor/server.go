package monitor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomgreer/redrive/internal/events"
	"github.com/tomgreer/redrive/internal/log"
)

// statusServer exposes the current run's observation snapshot while the batch
// is executing. It comes up with the monitor handle and goes down with it.
type statusServer struct {
	srv *http.Server
	ln  net.Listener
}

func (s *statusServer) addr() string { return s.ln.Addr().String() }

type statusResponse struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	Observed  map[string]int `json:"observed"`
	Events    []events.Event `json:"events"`
}

func serveStatus(listen, runID string, hub *events.Hub, counts *outcomeCounts) (*statusServer, error) {
	startedAt := time.Now().UTC()

	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		resp := statusResponse{
			RunID:     runID,
			StartedAt: startedAt,
			Observed:  counts.snapshot(),
			Events:    hub.Snapshot(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.WithComponent("monitor").Error("encode status response", "error", err)
		}
	})

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithComponent("monitor").Error("status server error", "error", err)
		}
	}()

	return &statusServer{srv: srv, ln: ln}, nil
}

func (s *statusServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
