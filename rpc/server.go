// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package rpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/lsmmeta"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultShutdownTimeout = 5 * time.Second

// ServerOptions configure a Server.
type ServerOptions struct {
	// Logger defaults to lsmmeta.DefaultLogger.
	Logger lsmmeta.Logger
	// Gatherer, if set, is served on /metrics in the Prometheus text format.
	Gatherer prometheus.Gatherer
}

// Server serves a Coordinator over HTTP.
type Server struct {
	c        *lsmmeta.Coordinator
	logger   lsmmeta.Logger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer returns a server for c. It does not listen until Serve is
// called; Handler may be mounted elsewhere instead.
func NewServer(c *lsmmeta.Coordinator, o ServerOptions) *Server {
	if o.Logger == nil {
		o.Logger = lsmmeta.DefaultLogger{}
	}
	return &Server{
		c:        c,
		logger:   o.Logger,
		gatherer: o.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/contexts", s.handleRegisterContext)
		r.Delete("/contexts/{id}", s.handleDeregisterContext)

		r.Get("/versions/current", s.handleCurrentVersion)
		r.Get("/versions/epoch/{epoch}", s.handleVersionByEpoch)
		r.Post("/versions/pin", s.handlePinVersion)
		r.Post("/versions/unpin", s.handleUnpinVersion)

		r.Get("/snapshots/current", s.handleGetSnapshot)
		r.Post("/snapshots/pin", s.handlePinSnapshot)
		r.Post("/snapshots/unpin", s.handleUnpinSnapshot)

		r.Post("/object-ids", s.handleAllocate)
		r.Post("/epochs/commit", s.handleCommitEpoch)
		r.Post("/compactions/manual", s.handleManualCompaction)
		r.Get("/compactions/events", s.handleCompactionEvents)
		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()
	s.logger.Infof("rpc server listening on %s", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-progress ones.
// Compaction event streams end when the coordinator is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownTimeout)
		defer cancel()
	}
	return errors.Wrap(srv.Shutdown(ctx), "shutting down rpc server")
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeJSON(w, statusOf(err), toWireError(err, r.Header.Get(RequestIDHeader)))
}

func (s *Server) writeVersion(w http.ResponseWriter, r *http.Request, v *lsmmeta.Version) {
	data, err := encodeVersion(v)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, toWireError(err, r.Header.Get(RequestIDHeader)))
		return
	}
	w.Header().Set("Content-Type", contentTypeBinary)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func callerContext(r *http.Request) (lsmmeta.ContextID, error) {
	v := r.Header.Get(ContextHeader)
	if v == "" {
		return 0, errors.Mark(errors.Newf("missing %s header", ContextHeader), lsmmeta.ErrUnknownContext)
	}
	id, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "malformed %s header", ContextHeader), lsmmeta.ErrUnknownContext)
	}
	return lsmmeta.ContextID(id), nil
}

// uintParam parses an optional numeric query parameter.
func uintParam(r *http.Request, name string) (uint64, bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "parameter %s", name)
	}
	return n, true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterContext(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, errors.Wrap(err, "decoding request"))
			return
		}
	}
	if req.Addr == "" {
		req.Addr = r.RemoteAddr
	}
	ctxt, err := s.c.RegisterContext(lsmmeta.ContextKindReader, req.Addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contextResponse{ContextID: ctxt.ID})
}

func (s *Server) handleDeregisterContext(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.writeError(w, r, errors.Mark(errors.Wrap(err, "context id"), lsmmeta.ErrUnknownContext))
		return
	}
	if err := s.c.DeregisterContext(lsmmeta.ContextID(id)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentVersion(w http.ResponseWriter, r *http.Request) {
	s.writeVersion(w, r, s.c.CurrentVersion())
}

func (s *Server) handleVersionByEpoch(w http.ResponseWriter, r *http.Request) {
	e, err := strconv.ParseUint(chi.URLParam(r, "epoch"), 10, 64)
	if err != nil {
		s.writeError(w, r, errors.Wrap(err, "epoch"))
		return
	}
	v, err := s.c.GetVersionByEpoch(lsmmeta.Epoch(e))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeVersion(w, r, v)
}

func (s *Server) handlePinVersion(w http.ResponseWriter, r *http.Request) {
	id, err := callerContext(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.c.PinVersion(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeVersion(w, r, v)
}

func (s *Server) handleUnpinVersion(w http.ResponseWriter, r *http.Request) {
	id, err := callerContext(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	before, ok, err := uintParam(r, "before")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ok {
		err = s.c.UnpinVersionBefore(id, lsmmeta.VersionID(before))
	} else {
		err = s.c.UnpinVersion(id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.c.GetSnapshot())
}

func (s *Server) handlePinSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := callerContext(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.c.PinSnapshot(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUnpinSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := callerContext(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	before, ok, err := uintParam(r, "before")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ok {
		err = s.c.UnpinSnapshotBefore(id, lsmmeta.Epoch(before))
	} else {
		err = s.c.UnpinSnapshot(id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAllocate(w http.ResponseWriter, r *http.Request) {
	count, ok, err := uintParam(r, "count")
	if err == nil && (!ok || count > 1<<32-1) {
		err = errors.Newf("invalid count %d", count)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, _, err := uintParam(r, "offset")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rng, err := s.c.ObjectIDAllocator().WithOffset(offset).Allocate(r.Context(), uint32(count))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rng)
}

func (s *Server) handleCommitEpoch(w http.ResponseWriter, r *http.Request) {
	var req lsmmeta.CommitEpochRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, "decoding request"))
		return
	}
	v, err := s.c.CommitEpoch(r.Context(), &req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]lsmmeta.VersionID{"version_id": v.ID})
}

func (s *Server) handleManualCompaction(w http.ResponseWriter, r *http.Request) {
	var req lsmmeta.ManualCompactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errors.Wrap(err, "decoding request"))
		return
	}
	if err := s.c.TriggerManualCompaction(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.c.Metrics())
}

// safeConn serializes writes to a websocket connection.
type safeConn struct {
	*websocket.Conn
	writeMu sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.Conn.WriteJSON(v)
}

func (sc *safeConn) closeWith(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = sc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = sc.Close()
}

// handleCompactionEvents subscribes the caller as a compactor worker and
// relays its event stream over a websocket until either side closes it.
func (s *Server) handleCompactionEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Errorf("compaction events: upgrading %s: %v", r.RemoteAddr, err)
		return
	}
	sc := &safeConn{Conn: conn}
	stream, worker, err := s.c.SubscribeCompactionEvents(r.RemoteAddr)
	if err != nil {
		_ = sc.WriteJSON(streamMessage{Type: msgHello, Error: toWireError(err, r.Header.Get(RequestIDHeader))})
		sc.closeWith(websocket.CloseTryAgainLater, "subscribe failed")
		return
	}
	session := uuid.NewString()
	defer func() { _ = stream.Close() }()
	defer func() { _ = sc.Close() }()

	if err := sc.WriteJSON(streamMessage{Type: msgHello, Session: session, ContextID: worker.ID}); err != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			ev, err := stream.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					sc.closeWith(websocket.CloseNormalClosure, "stream ended")
				}
				return
			}
			if err := sc.WriteJSON(streamMessage{Type: msgTask, Task: ev}); err != nil {
				// The task fails when the stream is closed below.
				_ = sc.Close()
				return
			}
		}
	}()

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infof("compaction events %s of %s: %v", session, worker, err)
			}
			return
		}
		if msg.Type != msgReport || msg.Report == nil {
			continue
		}
		ack := streamMessage{Type: msgAck, Seq: msg.Seq}
		if err := stream.Send(ctx, msg.Report); err != nil {
			ack.Error = toWireError(err, session)
		}
		if err := sc.WriteJSON(ack); err != nil {
			return
		}
	}
}
