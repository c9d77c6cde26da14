// Package api exposes the flash job manager over HTTP: job creation and
// inspection, a websocket update feed, local firmware upload, and a range
// proxy for browsers that cannot reach firmware hosts directly.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/openpod/flashd/pkg/devices"
	"github.com/openpod/flashd/pkg/firmware"
	"github.com/openpod/flashd/pkg/flashjob"
	"github.com/openpod/flashd/pkg/history"
)

// Firmware uploads are full device images; nano-class devices top out well
// below this.
const maxUploadBytes = 256 << 20

const wsWriteWait = 10 * time.Second

type Server struct {
	Manager    *flashjob.Manager
	Registry   *firmware.Registry
	Enumerator devices.Enumerator
	// History, when set, answers job lookups after eviction.
	History *history.Store
	// ProxyUpstream, when set, is the firmware host the /proxy/ subtree
	// forwards range requests to.
	ProxyUpstream string
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
		r.Get("/jobs/{id}/events", s.handleJobEvents)
		r.Post("/firmware", s.handleRegisterFirmware)
		r.Delete("/firmware/{id}", s.handleEvictFirmware)
		r.Get("/history", s.handleListHistory)
	})

	if s.ProxyUpstream != "" {
		if upstream, err := url.Parse(s.ProxyUpstream); err == nil {
			proxy := &httputil.ReverseProxy{
				Rewrite: func(pr *httputil.ProxyRequest) {
					pr.SetURL(upstream)
					pr.Out.Host = upstream.Host
				},
			}
			r.Handle("/proxy/*", http.StripPrefix("/proxy", proxy))
		}
	}

	return r
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	infos, err := s.Enumerator.List(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, map[string]any{
			"id":   info.ID(),
			"vid":  fmt.Sprintf("0x%04X", info.VID),
			"pid":  fmt.Sprintf("0x%04X", info.PID),
			"kind": string(info.Kind),
			"name": info.Kind.String(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createJobRequest struct {
	DeviceID string              `json:"deviceId"`
	Firmware firmware.Descriptor `json:"firmware"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.DeviceID == "" {
		writeErr(w, http.StatusBadRequest, errors.New("deviceId is required"))
		return
	}
	id, err := s.Manager.Create(req.DeviceID, req.Firmware)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	snap, _ := s.Manager.Get(id)
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if snap, ok := s.Manager.Get(id); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	// Evicted jobs remain answerable from history.
	if s.History != nil {
		if rec, err := s.History.Get(id); err == nil {
			writeJSON(w, http.StatusOK, rec.Snapshot)
			return
		}
	}
	writeErr(w, http.StatusNotFound, fmt.Errorf("no such job %q", id))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.Manager.Get(id); !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no such job %q", id))
		return
	}
	s.Manager.Cancel(id)
	snap, _ := s.Manager.Get(id)
	writeJSON(w, http.StatusOK, snap)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon binds to loopback; browsers served from the local web
	// flasher connect cross-origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleJobEvents streams job snapshots over a websocket until the job goes
// terminal or the client hangs up. The current snapshot is sent first, then
// every published update; slow readers observe coalesced (latest) snapshots.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Subscribe before reading the current snapshot: a job that goes
	// terminal in between publishes nothing further, and the feed must not
	// miss that final update.
	ch, cancel, ok := s.Manager.Subscribe(id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no such job %q", id))
		return
	}
	defer cancel()
	snap, ok := s.Manager.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, fmt.Errorf("no such job %q", id))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Reader loop: we never expect client messages, but control frames must
	// be processed for close detection.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(snap flashjob.Snapshot) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(snap)
	}
	if err := send(snap); err != nil {
		return
	}
	if snap.State.Terminal() {
		return
	}
	for {
		select {
		case snap, ok := <-ch:
			if !ok {
				return
			}
			if err := send(snap); err != nil {
				return
			}
			if snap.State.Terminal() {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) handleRegisterFirmware(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}
	if len(data) == 0 {
		writeErr(w, http.StatusBadRequest, errors.New("empty firmware upload"))
		return
	}
	if len(data) > maxUploadBytes {
		writeErr(w, http.StatusRequestEntityTooLarge, errors.New("firmware upload too large"))
		return
	}
	id := s.Registry.Register(data)
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "size": len(data)})
}

func (s *Server) handleEvictFirmware(w http.ResponseWriter, r *http.Request) {
	s.Registry.Evict(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		limit = value
	}
	recs, err := s.History.List(limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	resp := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		resp = append(resp, map[string]any{
			"snapshot":   rec.Snapshot,
			"recordedAt": rec.RecordedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
