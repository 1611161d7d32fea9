package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-tracker/internal/dispatch"
	"github.com/example/ride-tracker/internal/lifecycle"
	"github.com/example/ride-tracker/internal/models"
	"github.com/example/ride-tracker/internal/rides"
	"github.com/example/ride-tracker/internal/source"
	"github.com/example/ride-tracker/internal/storage"
	"github.com/example/ride-tracker/internal/view"
)

// EventPublisher hands backend ride events to whatever feeds the trackers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, rideID string, ev models.RideEvent) error
}

type Server struct {
	Rides   *rides.Registry
	Ingest  EventPublisher // nil disables the ingest endpoint
	Archive storage.Archive
	WSReg   *dispatch.WSRegistry

	// PongWait is how long a passenger socket may stay silent. Pings go out
	// at 9/10 of it so idle clients answer in time.
	PongWait time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(reg *rides.Registry, ingest EventPublisher, archive storage.Archive, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Rides: reg, Ingest: ingest, Archive: archive, WSReg: ws, PongWait: defaultPongWait, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleOpenRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleCloseRide).Methods("DELETE")
	s.mux.HandleFunc("/api/v1/rides/{id}/presentation", s.handlePresentation).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{id}/actions/{action}", s.handleAction).Methods("POST")
	s.mux.HandleFunc("/api/v1/history", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/internal/rides/{id}/events", s.handleIngestEvent).Methods("POST")
	s.mux.HandleFunc("/ws/rides/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type openResponse struct {
	State        models.RideState  `json:"state"`
	Presentation view.Presentation `json:"presentation"`
}

func (s *Server) handleOpenRide(w http.ResponseWriter, r *http.Request) {
	var req rides.OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.Rides.Open(r.Context(), req)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	p, err := s.Rides.Presentation(st.RideID)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, openResponse{State: st, Presentation: p})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	st, err := s.Rides.Last(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePresentation(w http.ResponseWriter, r *http.Request) {
	p, err := s.Rides.Presentation(mux.Vars(r)["id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCloseRide(w http.ResponseWriter, r *http.Request) {
	if err := s.Rides.Close(mux.Vars(r)["id"]); err != nil {
		s.writeRideError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, ok := view.ParseAction(vars["action"])
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %q", vars["action"]))
		return
	}
	res, err := s.Rides.Do(r.Context(), vars["id"], action)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.Archive == nil {
		writeJSON(w, http.StatusOK, []models.HistoryEntry{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	out, err := s.Archive.History(r.Context(), limit)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	if out == nil {
		out = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	if s.Ingest == nil {
		writeError(w, http.StatusNotImplemented, errors.New("event ingest disabled"))
		return
	}
	rideID := mux.Vars(r)["id"]
	var env source.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if env.RideID != "" && env.RideID != rideID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("ride_id %q does not match path", env.RideID))
		return
	}
	ev, err := env.Event()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Ingest.PublishEvent(r.Context(), rideID, ev); err != nil {
		s.writeRideError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const defaultPongWait = 60 * time.Second

// handleWS attaches a passenger screen to a tracked ride. The current
// presentation is sent right away; later ones arrive as the ride changes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	p, err := s.Rides.Presentation(rideID)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied
		return
	}
	sess := s.WSReg.Add(rideID, conn)
	defer func() {
		s.WSReg.Remove(rideID, sess)
		conn.Close()
	}()
	if err := sess.Send(dispatch.Message{Type: "presentation", Data: p}); err != nil {
		return
	}

	wait := s.PongWait
	stop := make(chan struct{})
	defer close(stop)
	go sess.KeepAlive(wait*9/10, stop)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wait)) })
	for {
		// passengers never send anything meaningful; reading keeps control frames flowing
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wait))
	}
}

func (s *Server) writeRideError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, rides.ErrNotTracked), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rides.ErrAlreadyTracked), errors.Is(err, rides.ErrActionUnavailable):
		status = http.StatusConflict
	case errors.Is(err, rides.ErrNotConfigured):
		status = http.StatusNotImplemented
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeError(w, status, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func newID() string { return uuid.NewString() }
