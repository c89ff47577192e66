package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BetterCallFirewall/Replaycon/internal/broker"
	"github.com/BetterCallFirewall/Replaycon/internal/config"
	"github.com/BetterCallFirewall/Replaycon/internal/flow"
	"github.com/BetterCallFirewall/Replaycon/internal/storage"
	"github.com/BetterCallFirewall/Replaycon/internal/websocket"
)

type flowStore interface {
	List() []*flow.Flow
	Get(key string) (*flow.Flow, bool)
	SetOverride(key string, ov flow.Override) (*flow.Flow, error)
	ClearOverride(key string) (*flow.Flow, error)
	Forget(key string) bool
}

type caProvider interface {
	CAPEM() []byte
}

// Server is the operator-facing control surface: browse recorded flows,
// edit overrides, export the root certificate, watch traffic live over a
// websocket. It only ever talks to the core through the flow store.
type Server struct {
	config *config.Config
	store  flowStore
	certs  caProvider
	events *broker.Broker[flow.Summary]
	hub    *websocket.Hub
	server *http.Server
	log    *zap.SugaredLogger
}

func NewServer(
	cfg *config.Config,
	store flowStore,
	certs caProvider,
	events *broker.Broker[flow.Summary],
	log *zap.SugaredLogger,
) *Server {
	hub := websocket.NewHub(log)
	go hub.Run()

	s := &Server{
		config: cfg,
		store:  store,
		certs:  certs,
		events: events,
		hub:    hub,
		log:    log,
	}
	if events != nil {
		go s.pumpEvents()
	}
	return s
}

// pumpEvents forwards pipeline flow events to the websocket clients.
func (s *Server) pumpEvents() {
	for summary := range s.events.Subscribe(broker.TopicFlows) {
		s.hub.Broadcast("flow", summary)
	}
}

// Handler builds the full route table, wrapped in CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/flows", s.handleFlows)
	mux.HandleFunc("/api/flows/", s.handleFlow)
	mux.HandleFunc("/api/ca.pem", s.handleCAExport)
	mux.HandleFunc("/ws", s.hub.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return corsMiddleware(mux)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Web.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Infow("control surface listening", "addr", s.config.Web.ListenAddr)
	return s.server.ListenAndServe()
}

func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flows := s.store.List()
	summaries := make([]flow.Summary, 0, len(flows))
	for _, f := range flows {
		summaries = append(summaries, f.Summary())
	}
	writeJSON(w, summaries)
}

// handleFlow dispatches /api/flows/{id} and /api/flows/{id}/override.
// Flows are addressed by their uuid, the identity key stays internal.
func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/flows/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "flow id required", http.StatusBadRequest)
		return
	}

	f, ok := s.flowByID(id)
	if !ok {
		http.Error(w, "flow not found", http.StatusNotFound)
		return
	}
	key := f.Identity.Key()

	switch {
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, f)

	case sub == "" && r.Method == http.MethodDelete:
		s.store.Forget(key)
		w.WriteHeader(http.StatusNoContent)

	case sub == "override" && (r.Method == http.MethodPut || r.Method == http.MethodPost):
		s.handleSetOverride(w, r, key)

	case sub == "override" && r.Method == http.MethodDelete:
		s.handleClearOverride(w, key)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request, key string) {
	var ov flow.Override
	if err := json.NewDecoder(r.Body).Decode(&ov); err != nil {
		http.Error(w, "invalid override body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ov.Status == nil && ov.Headers == nil && ov.Body == nil {
		http.Error(w, "override must set at least one of status, headers, body", http.StatusBadRequest)
		return
	}

	f, err := s.store.SetOverride(key, ov)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.log.Infow("override set", "identity", key)
	s.hub.Broadcast("override", f.Summary())
	writeJSON(w, f)
}

func (s *Server) handleClearOverride(w http.ResponseWriter, key string) {
	f, err := s.store.ClearOverride(key)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	s.log.Infow("override cleared", "identity", key)
	s.hub.Broadcast("override", f.Summary())
	writeJSON(w, f)
}

func (s *Server) handleCAExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="replaycon-ca.pem"`)
	w.Write(s.certs.CAPEM())
}

func (s *Server) flowByID(id string) (*flow.Flow, bool) {
	for _, f := range s.store.List() {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	var unknown *storage.UnknownFlowError
	if errors.As(err, &unknown) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// corsMiddleware allows the browser-based operator UI to call the API from
// another origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
