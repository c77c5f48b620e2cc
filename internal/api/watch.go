package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/exportq/internal/domain"
	"github.com/SirClappington/exportq/internal/storage"
)

const writeTimeout = 10 * time.Second

type watchEvent struct {
	Type string           `json:"type"`
	Jobs []domain.Summary `json:"jobs,omitempty"`
	Job  *domain.Summary  `json:"job,omitempty"`
	ID   string           `json:"id,omitempty"`
}

// watch streams the listing over a websocket: a snapshot of the newest jobs
// first, then one event per followed job whose status changed or that was
// deleted. A job pushed out of the window by newer ones is no longer followed
// but is not reported as removed. It polls the registry, so it works against
// any API replica.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	c := caller(r)
	f := storage.ListFilter{Limit: s.watchWindow}
	sums, err := s.svc.List(r.Context(), c, f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go func() {
		// Nothing is expected from the client; reading detects the close.
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	seen := make(map[string]domain.Status, len(sums))
	for _, sum := range sums {
		seen[sum.ID] = sum.Status
	}
	if !s.send(conn, watchEvent{Type: "snapshot", Jobs: sums}) {
		return
	}

	t := time.NewTicker(s.watchEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		sums, err := s.svc.List(ctx, c, f)
		if err != nil {
			s.log.Warn("watch poll failed", zap.Error(err))
			continue
		}
		current := make(map[string]struct{}, len(sums))
		for i := range sums {
			sum := sums[i]
			current[sum.ID] = struct{}{}
			if st, ok := seen[sum.ID]; ok && st == sum.Status {
				continue
			}
			seen[sum.ID] = sum.Status
			if !s.send(conn, watchEvent{Type: "job_update", Job: &sum}) {
				return
			}
		}
		for id, st := range seen {
			if _, ok := current[id]; ok {
				continue
			}
			sum, err := s.svc.Get(ctx, c, id)
			switch {
			case errors.Is(err, domain.ErrJobNotFound):
				delete(seen, id)
				if !s.send(conn, watchEvent{Type: "job_removed", ID: id}) {
					return
				}
			case err != nil:
				s.log.Warn("watch lookup failed", zap.String("job_id", id), zap.Error(err))
			default:
				delete(seen, id)
				if sum.Status != st && !s.send(conn, watchEvent{Type: "job_update", Job: &sum}) {
					return
				}
			}
		}
	}
}

func (s *Server) send(conn *websocket.Conn, ev watchEvent) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		s.log.Debug("websocket write failed", zap.Error(err))
		return false
	}
	return true
}
