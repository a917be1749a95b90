package offline

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

// Handler serves the admin API under /_offline and proxies everything else
// through the request router. CORS applies to the admin routes only; proxied
// responses carry the origin's own CORS headers and preflights reach the origin.
func (s *Service) Handler() http.Handler {
	admin := mux.NewRouter()

	admin.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "pdfhub-offline"})
	}).Methods(http.MethodGet)

	api := admin.PathPrefix("/_offline").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/network", s.handleNetwork).Methods(http.MethodPost)
	api.HandleFunc("/documents", s.handleDocumentList).Methods(http.MethodGet)
	api.HandleFunc("/documents/{id}/cache", s.handleCacheDocument).Methods(http.MethodPost)
	api.HandleFunc("/documents/{id}", s.handleDocumentStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleQueueList).Methods(http.MethodGet)
	api.HandleFunc("/queue", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/queue/retry", s.handleRetry).Methods(http.MethodPost)
	api.HandleFunc("/lifecycle/update", s.handleUpdate).Methods(http.MethodPost)

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
		},
		ExposedHeaders: []string{cacheHeader},
		MaxAge:         300,
	})
	adminHandler := c.Handler(admin)

	router := mux.NewRouter()
	router.Handle("/health", adminHandler)
	router.PathPrefix("/_offline/").Handler(adminHandler)
	router.PathPrefix("/").HandlerFunc(s.handle)
	return router
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

type networkRequest struct {
	Online *bool `json:"online"`
}

func (s *Service) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online": true|false}`)
		return
	}
	if err := s.NotifyNetwork(r.Context(), *req.Online); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"online": *req.Online})
}

type cacheDocumentRequest struct {
	URL string `json:"url"`
}

func (s *Service) handleCacheDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req cacheDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ok, err := s.CachePDF(r.Context(), id, req.URL)
	if err != nil {
		writeError(w, StatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cached": ok})
}

func (s *Service) handleDocumentStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "availableOffline": s.IsAvailableOffline(id)})
}

func (s *Service) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.PinnedDocuments()
	if err != nil {
		writeError(w, StatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": ids})
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":  s.queue.Pending(),
		"draining": s.queue.Draining(),
	})
}

type enqueueRequest struct {
	Kind    string          `json:"kind"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	a, err := s.QueueAction(r.Context(), Action{Kind: req.Kind, Target: req.Target, Payload: req.Payload}, bearerToken(r))
	if err != nil {
		writeError(w, StatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, a)
}

func (s *Service) handleRetry(w http.ResponseWriter, r *http.Request) {
	res, err := s.RetryFailedActions(r.Context())
	if errors.Is(err, ErrDrainInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, StatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.RequestUpdate()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
