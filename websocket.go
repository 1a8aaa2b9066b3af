package main

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"printfarm/server/logger"
	"printfarm/server/worker"
)

const (
	statusPushInterval = time.Second
	wsWriteTimeout     = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusHub fans the workers' cached printer statuses out to websocket
// subscribers. Each subscriber registers a buffered channel keyed by the
// printer it watches; a single poll loop pushes the latest status to every
// channel once per interval.
type statusHub struct {
	manager *worker.Manager
	log     *logger.Logger

	mu   sync.RWMutex
	subs map[int64]map[string]chan *worker.Status

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func newStatusHub(manager *worker.Manager, log *logger.Logger) *statusHub {
	return &statusHub{
		manager: manager,
		log:     log,
		subs:    make(map[int64]map[string]chan *worker.Status),
	}
}

// Start launches the poll loop. Safe to call more than once.
func (h *statusHub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.wg.Add(1)
	go h.run()
}

// Stop halts the poll loop and closes all subscriber channels.
func (h *statusHub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	h.mu.Unlock()

	h.wg.Wait()

	h.mu.Lock()
	for printerID, clients := range h.subs {
		for id, ch := range clients {
			close(ch)
			delete(clients, id)
		}
		delete(h.subs, printerID)
	}
	h.mu.Unlock()
}

func (h *statusHub) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.push()
		}
	}
}

// push sends the current status of every watched printer to its
// subscribers. Full client buffers are skipped rather than blocked on.
func (h *statusHub) push() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for printerID, clients := range h.subs {
		if len(clients) == 0 {
			continue
		}
		status := h.manager.GetStatus(printerID)
		if status == nil {
			continue
		}
		for id, ch := range clients {
			select {
			case ch <- status:
			default:
				h.log.Debug("Status subscriber buffer full, dropping", "client", id)
			}
		}
	}
}

// subscribe registers a new subscriber for the printer and returns its
// channel plus the id needed to unsubscribe.
func (h *statusHub) subscribe(printerID int64, remoteAddr string) (string, chan *worker.Status) {
	ch := make(chan *worker.Status, 10)
	id := fmt.Sprintf("%d/%s", printerID, remoteAddr)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[printerID] == nil {
		h.subs[printerID] = make(map[string]chan *worker.Status)
	}
	h.subs[printerID][id] = ch
	return id, ch
}

func (h *statusHub) unsubscribe(printerID int64, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.subs[printerID]
	if ch, ok := clients[id]; ok {
		close(ch)
		delete(clients, id)
	}
	if len(clients) == 0 {
		delete(h.subs, printerID)
	}
}

// handlePrinterStatusWS upgrades the request and streams the printer's
// status until the client disconnects.
func (s *Server) handlePrinterStatusWS(w http.ResponseWriter, r *http.Request) {
	printer := s.printerFromPath(w, r)
	if printer == nil {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "printer_id", printer.ID, "error", err)
		return
	}
	defer conn.Close()

	id, ch := s.hub.subscribe(printer.ID, r.RemoteAddr)
	defer s.hub.unsubscribe(printer.ID, id)

	// Drain the read side so close frames and pings are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case status, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(status); err != nil {
				s.log.Debug("Status push failed", "printer_id", printer.ID, "error", err)
				return
			}
		}
	}
}
