// Package api serves the REST interface of the core: device state from the
// registry, live operations through cached sessions, and fleet scans.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"minerlink/internal/core/manager"
	"minerlink/internal/core/registry"
	"minerlink/internal/discovery/subnets"
	"minerlink/internal/fleet"
	"minerlink/internal/miner"
	"minerlink/internal/netutil"
	"minerlink/internal/session"
	"minerlink/internal/storage/repo"
	"minerlink/internal/version"
)

// Core is the part of the manager the API drives.
type Core interface {
	Identify(ctx context.Context, addr miner.Address) (miner.Identity, error)
	Session(ctx context.Context, addr miner.Address) (*session.Session, error)
	Forget(addr miner.Address)
	Sessions() int
	Scan(ctx context.Context, addrs []miner.Address, o fleet.Options) (*fleet.Result, error)
}

type Options struct {
	Core    Core
	Devices *registry.Store
	Subnets *subnets.Store
	// Snapshots is optional; without it the snapshots route answers 501.
	Snapshots repo.Snapshots
	Log       *zap.Logger
	// OpTimeout bounds one device operation. Default 15s.
	OpTimeout time.Duration
	// Poll reads telemetry during background subnet scans.
	Poll bool
	// Status adds fields to /api/status.
	Status func() map[string]any
	// LogLevel, when set, is mounted at /api/log/level.
	LogLevel http.Handler
}

type Server struct {
	o         Options
	log       *zap.Logger
	root      context.Context
	stop      context.CancelFunc
	startedAt time.Time

	scanMu sync.Mutex
	scans  map[int64]*scanJob
	wg     sync.WaitGroup
}

type scanJob struct {
	cancel context.CancelFunc
}

// New returns a server whose background scans live until ctx ends or Close
// is called.
func New(ctx context.Context, o Options) *Server {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Devices == nil {
		o.Devices = registry.NewStore()
	}
	if o.Subnets == nil {
		o.Subnets = subnets.NewStore()
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 15 * time.Second
	}
	root, stop := context.WithCancel(ctx)
	return &Server{
		o:         o,
		log:       o.Log.Named("api"),
		root:      root,
		stop:      stop,
		startedAt: time.Now().UTC(),
		scans:     map[int64]*scanJob{},
	}
}

// Close stops background scans and waits for them.
func (s *Server) Close() {
	s.stop()
	s.wg.Wait()
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.o.LogLevel != nil {
		r.Method(http.MethodGet, "/api/log/level", s.o.LogLevel)
		r.Method(http.MethodPut, "/api/log/level", s.o.LogLevel)
	}
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain")
		_, _ = w.Write([]byte(version.String()))
	})
	r.Get("/api/status", s.status)
	r.Get("/api/cidr/preview", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, netutil.PreviewSpec(r.URL.Query().Get("cidr")))
	})

	r.Post("/api/identify", s.identify)
	r.Post("/api/scan", s.scan)
	r.Get("/api/scan/last", s.lastScan)

	r.Get("/api/devices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.o.Devices.List())
	})
	r.Route("/api/devices/{addr}", func(r chi.Router) {
		r.Get("/", s.device)
		r.Get("/telemetry", s.telemetry)
		r.Get("/snapshots", s.snapshots)
		r.Get("/config", s.readConfig)
		r.Put("/config", s.writeConfig)
		r.Post("/lifecycle/{command}", s.lifecycle)
		r.Delete("/session", s.forget)
	})

	r.Get("/api/subnets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.o.Subnets.List())
	})
	r.Post("/api/subnets", s.addSubnet)
	r.Patch("/api/subnets/{id}", s.patchSubnet)
	r.Delete("/api/subnets/{id}", s.deleteSubnet)
	r.Post("/api/subnets/{id}/scan", s.startSubnetScan)
	r.Post("/api/subnets/{id}/stop", s.stopSubnetScan)

	r.Get("/api/stream/devices", s.streamDevices)
	r.Get("/api/stream/subnets", s.streamSubnets)
	return r
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"version":    version.String(),
		"revision":   version.Revision(),
		"started_at": s.startedAt.Format(time.RFC3339),
		"uptime_s":   int64(time.Since(s.startedAt).Seconds()),
		"sessions":   s.o.Core.Sessions(),
		"devices":    len(s.o.Devices.List()),
	}
	if sum, ok := s.o.Devices.LastScan(); ok {
		out["last_scan"] = sum
	}
	if s.o.Status != nil {
		for k, v := range s.o.Status() {
			out[k] = v
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) identify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	addr, err := miner.ParseAddress(req.Address)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.o.OpTimeout)
	defer cancel()
	id, err := s.o.Core.Identify(ctx, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// scan runs a fleet scan and answers with its result. An empty target spec
// scans every enabled subnet.
func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets string `json:"targets"`
		Poll    bool   `json:"poll"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	var addrs []miner.Address
	if strings.TrimSpace(req.Targets) != "" {
		var err error
		if addrs, err = netutil.ExpandTargets(req.Targets); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		addrs = s.o.Subnets.EnabledTargets()
	}
	if len(addrs) == 0 {
		http.Error(w, "no targets", http.StatusBadRequest)
		return
	}
	res, err := s.o.Core.Scan(r.Context(), addrs, fleet.Options{Poll: req.Poll})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) lastScan(w http.ResponseWriter, r *http.Request) {
	sum, ok := s.o.Devices.LastScan()
	if !ok {
		http.Error(w, "no scan yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func addrParam(w http.ResponseWriter, r *http.Request) (miner.Address, bool) {
	addr, err := miner.ParseAddress(chi.URLParam(r, "addr"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return miner.Address{}, false
	}
	return addr, true
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrParam(w, r)
	if !ok {
		return
	}
	d, ok := s.o.Devices.Get(addr.String())
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// withSession resolves the cached session of the device in the path and runs
// fn under the operation timeout.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sess *session.Session)) {
	addr, ok := addrParam(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.o.OpTimeout)
	defer cancel()
	sess, err := s.o.Core.Session(ctx, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	fn(ctx, sess)
}

func (s *Server) telemetry(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess *session.Session) {
		t, err := sess.Poll(ctx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, t)
	})
}

type snapshotView struct {
	At          time.Time       `json:"at"`
	HashrateTHS *float64        `json:"hashrate_ths,omitempty"`
	TempMaxC    *float64        `json:"temp_max_c,omitempty"`
	FanRPMMax   *int            `json:"fan_rpm_max,omitempty"`
	UptimeS     *int64          `json:"uptime_s,omitempty"`
	Telemetry   json.RawMessage `json:"telemetry,omitempty"`
}

func (s *Server) snapshots(w http.ResponseWriter, r *http.Request) {
	if s.o.Snapshots == nil {
		http.Error(w, "storage disabled", http.StatusNotImplemented)
		return
	}
	addr, ok := addrParam(w, r)
	if !ok {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := s.o.Snapshots.ListSnapshots(r.Context(), addr.String(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]snapshotView, 0, len(rows))
	for _, row := range rows {
		out = append(out, snapshotView{
			At:          row.At,
			HashrateTHS: row.HashrateTHS,
			TempMaxC:    row.TempMaxC,
			FanRPMMax:   row.FanRPMMax,
			UptimeS:     row.UptimeS,
			Telemetry:   json.RawMessage(row.Telemetry),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) readConfig(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess *session.Session) {
		cfg, err := sess.ReadConfig(ctx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	})
}

// writeConfig merges the fields present in the body over the device's current
// configuration and writes the result. Absent fields keep their current value.
func (s *Server) writeConfig(w http.ResponseWriter, r *http.Request) {
	var patch miner.Config
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session.Session) {
		cur, err := sess.ReadConfig(ctx)
		if err != nil {
			s.writeError(w, err)
			return
		}
		res := sess.WriteConfig(ctx, Merge(cur, patch))
		writeJSON(w, commandStatus(res), res)
	})
}

// Merge overlays the set fields of patch on cur.
func Merge(cur, patch miner.Config) miner.Config {
	out := cur
	if patch.Pools.IsSet() {
		out.Pools = patch.Pools
	}
	if patch.Mode.IsSet() {
		out.Mode = patch.Mode
	}
	if patch.FrequencyMHz.IsSet() {
		out.FrequencyMHz = patch.FrequencyMHz
	}
	if patch.Fan.IsSet() {
		out.Fan = patch.Fan
	}
	return out
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request) {
	cmd, err := miner.ParseCommand(chi.URLParam(r, "command"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.withSession(w, r, func(ctx context.Context, sess *session.Session) {
		res := sess.Lifecycle(ctx, cmd)
		writeJSON(w, commandStatus(res), res)
	})
}

func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	addr, ok := addrParam(w, r)
	if !ok {
		return
	}
	s.o.Core.Forget(addr)
	w.WriteHeader(http.StatusNoContent)
}

func subnetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if id <= 0 {
		http.Error(w, "bad id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) addSubnet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Spec string `json:"spec"`
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	sub, err := s.o.Subnets.Add(req.Spec, req.Note)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) patchSubnet(w http.ResponseWriter, r *http.Request) {
	id, ok := subnetID(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Enabled != nil && !s.o.Subnets.SetEnabled(id, *req.Enabled) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) deleteSubnet(w http.ResponseWriter, r *http.Request) {
	id, ok := subnetID(w, r)
	if !ok {
		return
	}
	s.cancelScan(id)
	if !s.o.Subnets.Delete(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startSubnetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := subnetID(w, r)
	if !ok {
		return
	}
	targets, ok := s.o.Subnets.Targets(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	s.scanMu.Lock()
	if _, running := s.scans[id]; running {
		s.scanMu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	ctx, cancel := context.WithCancel(s.root)
	job := &scanJob{cancel: cancel}
	s.scans[id] = job
	s.wg.Add(1)
	s.scanMu.Unlock()

	s.o.Subnets.SetScanState(id, true, 0, time.Time{})
	go s.runSubnetScan(ctx, id, job, targets)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) runSubnetScan(ctx context.Context, id int64, job *scanJob, targets []miner.Address) {
	defer s.wg.Done()
	defer func() {
		job.cancel()
		s.scanMu.Lock()
		if s.scans[id] == job {
			delete(s.scans, id)
		}
		s.scanMu.Unlock()
	}()

	res, err := s.o.Core.Scan(ctx, targets, fleet.Options{
		Poll: s.o.Poll,
		OnProgress: func(done, total int) {
			s.o.Subnets.SetScanState(id, true, done*100/total, time.Time{})
		},
	})
	if err != nil {
		s.log.Warn("subnet scan stopped", zap.Int64("subnet", id), zap.Error(err))
		s.o.Subnets.SetScanState(id, false, 0, time.Time{})
		return
	}
	s.o.Subnets.SetLastScan(id, res.ID)
	s.o.Subnets.SetScanState(id, false, 100, time.Now().UTC())
}

func (s *Server) stopSubnetScan(w http.ResponseWriter, r *http.Request) {
	id, ok := subnetID(w, r)
	if !ok {
		return
	}
	s.cancelScan(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) cancelScan(id int64) {
	s.scanMu.Lock()
	if j, ok := s.scans[id]; ok {
		j.cancel()
		delete(s.scans, id)
	}
	s.scanMu.Unlock()
}

func (s *Server) streamDevices(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "devices", s.o.Devices.Subscribe, func() any { return s.o.Devices.List() })
}

func (s *Server) streamSubnets(w http.ResponseWriter, r *http.Request) {
	s.stream(w, r, "subnets", s.o.Subnets.Subscribe, func() any { return s.o.Subnets.List() })
}

// stream writes the current state as a server-sent event on every change,
// with a heartbeat in between.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, event string, subscribe func(context.Context) <-chan struct{}, state func() any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusBadRequest)
		return
	}

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")

	ctx := r.Context()
	ch := subscribe(ctx)

	send := func() {
		b, _ := json.Marshal(state())
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}
	send()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.root.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			send()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, "event: ping\ndata: 1\n\n")
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := StatusOf(err)
	if code >= 500 && code != http.StatusNotImplemented {
		s.log.Debug("request failed", zap.String("kind", miner.ErrorKind(err)), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: err.Error(), Kind: miner.ErrorKind(err)})
}

// StatusOf maps an error of the core's taxonomy to an HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, manager.ErrClosed), errors.Is(err, miner.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, miner.ErrSessionBusy):
		return http.StatusConflict
	case errors.Is(err, miner.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, miner.ErrUnrecognized):
		return http.StatusUnprocessableEntity
	case errors.Is(err, miner.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, miner.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	}
	var te *miner.TransportError
	var ne *miner.NormalizationError
	if errors.As(err, &te) || errors.As(err, &ne) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func commandStatus(r miner.CommandResult) int {
	if r.OK {
		return http.StatusOK
	}
	switch r.Failure {
	case miner.FailureUnsupported:
		return http.StatusNotImplemented
	case miner.FailureRejected:
		return http.StatusUnprocessableEntity
	case miner.FailureTransport:
		if r.Err != nil {
			return StatusOf(r.Err)
		}
	}
	return http.StatusBadGateway
}
