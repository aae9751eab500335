package progress

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/bvenu-lab/mangalm-ingest/internal/bulkingester/metrics"
)

const closeWriteTimeout = 5 * time.Second

// Hub fans job snapshots out to websocket clients. Each client sees the
// current snapshot immediately on connect, then at most one update per push
// interval; intermediate snapshots are conflated away so a slow client only
// ever receives the newest state. Once the job is terminal the client gets
// the final snapshot and a close frame.
type Hub struct {
	pushInterval time.Duration
	clock        clock.WithTicker
	metrics      *metrics.Metrics

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan *Snapshot
	done chan struct{}
}

func NewHub(pushInterval time.Duration, clk clock.WithTicker, m *metrics.Metrics) *Hub {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Hub{
		pushInterval: pushInterval,
		clock:        clk,
		metrics:      m,
		clients:      make(map[string]map[*client]struct{}),
	}
}

// Publish hands the latest snapshot to every client watching the job.
func (h *Hub) Publish(snapshot *Snapshot) {
	h.mu.Lock()
	watchers := make([]*client, 0, len(h.clients[snapshot.JobId]))
	for c := range h.clients[snapshot.JobId] {
		watchers = append(watchers, c)
	}
	h.mu.Unlock()

	for _, c := range watchers {
		c.offer(snapshot)
	}
}

// offer replaces whatever is queued for the client with the newer snapshot.
// It never blocks.
func (c *client) offer(snapshot *Snapshot) {
	for {
		select {
		case c.send <- snapshot:
			return
		default:
			select {
			case <-c.send:
			default:
			}
		}
	}
}

// Serve runs one subscriber session and blocks until the job finishes, the
// client goes away or ctx is cancelled. The caller owns conn and closes it
// afterwards.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, jobId string, initial *Snapshot) {
	c := &client{
		conn: conn,
		send: make(chan *Snapshot, 1),
		done: make(chan struct{}),
	}
	h.add(jobId, c)
	defer h.remove(jobId, c)
	h.metrics.RecordProgressClients(1)
	defer h.metrics.RecordProgressClients(-1)

	// The read pump exists only to notice the client going away.
	go func() {
		defer close(c.done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(initial); err != nil {
		return
	}
	if initial.Status.IsTerminal() {
		h.sendClose(conn)
		return
	}

	ticker := h.clock.NewTicker(h.pushInterval)
	defer ticker.Stop()
	var pending *Snapshot
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case snapshot := <-c.send:
			if snapshot.Status.IsTerminal() {
				if err := conn.WriteJSON(snapshot); err != nil {
					return
				}
				h.sendClose(conn)
				return
			}
			// Held back until the next tick so clients are written to at
			// most once per push interval.
			pending = snapshot
		case <-ticker.C():
			if pending == nil {
				continue
			}
			if err := conn.WriteJSON(pending); err != nil {
				return
			}
			pending = nil
		}
	}
}

func (h *Hub) add(jobId string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[jobId] == nil {
		h.clients[jobId] = make(map[*client]struct{})
	}
	h.clients[jobId][c] = struct{}{}
	log.Debugf("Progress subscriber added for job %s, now %d", jobId, len(h.clients[jobId]))
}

func (h *Hub) remove(jobId string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[jobId], c)
	if len(h.clients[jobId]) == 0 {
		delete(h.clients, jobId)
	}
}

func (h *Hub) sendClose(conn *websocket.Conn) {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	if err := conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeWriteTimeout)); err != nil {
		log.WithError(err).Debug("Error sending websocket close frame")
	}
}
