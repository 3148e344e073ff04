package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"matting/internal/config"
	"matting/internal/pipeline"
	"matting/internal/plugin"
	"matting/internal/storage"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes the job pipeline over HTTP.
type Server struct {
	addr      string
	cfg       *config.Config
	store     *storage.Store
	pipeline  *pipeline.Pipeline
	log       *slog.Logger
	hub       *hub
	upgrader  websocket.Upgrader
	server    *http.Server
	uploadDir string
}

// NewServer creates a server bound to addr.
func NewServer(addr string, cfg *config.Config, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	return &Server{
		addr:      addr,
		cfg:       cfg,
		store:     store,
		pipeline:  pipe,
		log:       log,
		hub:       newHub(log),
		uploadDir: filepath.Join(cfg.Paths.DefaultOutput, "http"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Run starts the websocket hub and result forwarding. Start calls it; tests
// serving Handler directly call it themselves.
func (s *Server) Run(ctx context.Context) {
	go s.hub.run(ctx)
	go s.forwardResults(ctx)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.Run(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/procedures", s.handleProcedures).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/decompose", s.handleDecompose).Methods("POST")
	r.HandleFunc("/outputs/{id}/{layer}", s.handleOutput).Methods("GET")
}

// resultView is the wire form of a pipeline result.
type resultView struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func viewOf(res pipeline.Result) resultView {
	v := resultView{
		ID:     res.Job.ID,
		Type:   string(res.Job.Type),
		Status: res.Status.String(),
		Meta:   res.Meta,
	}
	if res.Error != nil {
		v.Error = res.Error.Error()
	}
	return v
}

type procedureView struct {
	Name       string   `json:"name"`
	MenuLabel  string   `json:"menu_label"`
	MenuPaths  []string `json:"menu_paths"`
	Blurb      string   `json:"blurb"`
	Help       string   `json:"help"`
	Authors    string   `json:"authors"`
	Copyright  string   `json:"copyright"`
	Date       string   `json:"date"`
	ImageTypes string   `json:"image_types"`
	Arity      int      `json:"arity"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleProcedures(w http.ResponseWriter, r *http.Request) {
	reg := s.pipeline.Registry()
	if reg == nil {
		writeJSON(w, http.StatusOK, []procedureView{})
		return
	}
	procs := reg.Procedures()
	out := make([]procedureView, 0, len(procs))
	for _, p := range procs {
		out = append(out, procedureView{
			Name:       p.Name,
			MenuLabel:  p.MenuLabel,
			MenuPaths:  p.MenuPaths,
			Blurb:      p.Blurb,
			Help:       p.Help,
			Authors:    p.Authors,
			Copyright:  p.Copyright,
			Date:       p.Date,
			ImageTypes: p.ImageTypes,
			Arity:      p.Arity,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	meta, _ := s.store.JobMeta(id)
	outs, _ := s.store.LayerOutputs(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"job":     rec,
		"meta":    meta,
		"outputs": outs,
	})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(viewOf(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// handleDecompose accepts a multipart upload with "image" and "trimap"
// files. With wait=true the response carries the finished result.
func (s *Server) handleDecompose(w http.ResponseWriter, r *http.Request) {
	maxBytes := s.cfg.Server.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		http.Error(w, fmt.Sprintf("parse upload: %v", err), http.StatusBadRequest)
		return
	}

	id := pipeline.NewJobID("decompose")
	dir := filepath.Join(s.uploadDir, id)
	imagePath, err := s.saveUpload(r, "image", dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	trimapPath, err := s.saveUpload(r, "trimap", dir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := map[string]any{}
	if f := r.FormValue("format"); f != "" {
		opts["format"] = f
	}
	job := pipeline.Job{
		ID:         id,
		Type:       pipeline.JobDecompose,
		InputPath:  imagePath,
		TrimapPath: trimapPath,
		Output:     dir,
		Options:    opts,
	}

	wait, _ := strconv.ParseBool(r.FormValue("wait"))
	var results <-chan pipeline.Result
	if wait {
		ch, unsub := s.pipeline.Subscribe()
		defer unsub()
		results = ch
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
		return
	}

	res, err := pipeline.Wait(r.Context(), results, id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	}
	code := http.StatusOK
	switch res.Status {
	case plugin.StatusCallingError:
		code = http.StatusUnprocessableEntity
	case plugin.StatusExecutionError, plugin.StatusCancel:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, viewOf(res))
}

func (s *Server) saveUpload(r *http.Request, field, dir string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("missing %s file: %w", field, err)
	}
	defer file.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := field + filepath.Ext(header.Filename)
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return "", fmt.Errorf("store %s: %w", field, err)
	}
	return path, nil
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	outs, err := s.store.LayerOutputs(vars["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, o := range outs {
		if o.Name == vars["layer"] {
			http.ServeFile(w, r, o.Path)
			return
		}
	}
	http.Error(w, "output not found", http.StatusNotFound)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go func() {
		defer s.hub.leave(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// forwardResults pushes every finished job to websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(viewOf(res))
			if err != nil {
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}
