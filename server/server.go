package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/marnikitta/livecoding/config"
	"github.com/marnikitta/livecoding/crdt"
	"github.com/marnikitta/livecoding/repository"
	"github.com/marnikitta/livecoding/room"
	"github.com/marnikitta/livecoding/utils"
)

// Constants

// totalRoomsBucket is the granularity of the memoized total room count
// served by the stats endpoint.
const totalRoomsBucket = 5 * time.Second

// Structs

// Server bundles the HTTP surface of one livecoding instance.
type Server struct {
	logger    log.Logger
	conf      *config.Config
	rooms     repository.Service
	upgrader  websocket.Upgrader
	startedAt time.Time
}

// RoomSettings is the client-facing slice of the configuration
// advertised with every room payload.
type RoomSettings struct {
	DocumentLimit    int `json:"documentLimit"`
	HeartbitInterval int `json:"heartbitInterval"`
}

// RoomModel is the JSON rendering of a room: its id, the full event log
// and the settings the client needs to behave.
type RoomModel struct {
	RoomID   string       `json:"roomId"`
	Events   []crdt.Event `json:"events"`
	Settings RoomSettings `json:"settings"`
}

// StatsModel is the JSON payload of the stats endpoint.
type StatsModel struct {
	ActiveRooms int    `json:"activeRooms"`
	ActiveUsers int    `json:"activeUsers"`
	TotalRooms  int    `json:"totalRooms"`
	Uptime      string `json:"uptime"`
	StartedAt   string `json:"startedAt"`
}

// Functions

// InitServer wires the room registry into an HTTP surface.
func InitServer(logger log.Logger, conf *config.Config, rooms repository.Service) *Server {

	return &Server{
		logger: logger,
		conf:   conf,
		rooms:  rooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Rooms are addressed by unguessable phonetic ids and the
			// service is meant to sit behind any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}
}

// Router returns the route table of the service.
func (s *Server) Router() *mux.Router {

	router := mux.NewRouter()

	router.HandleFunc("/resource/room", s.handleCreateRoom).Methods(http.MethodPost)
	router.HandleFunc("/resource/room/{roomId}", s.handleGetRoom).Methods(http.MethodGet)
	router.HandleFunc("/resource/room/{roomId}/ws", s.handleSession).Methods(http.MethodGet)
	router.HandleFunc("/resource/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/resource/stats", s.handleStats).Methods(http.MethodGet)

	return router
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, req *http.Request) {

	r := s.rooms.Create()

	s.writeJSON(w, http.StatusOK, s.roomModel(r))
}

func (s *Server) handleGetRoom(w http.ResponseWriter, req *http.Request) {

	roomID := mux.Vars(req)["roomId"]

	r, err := s.rooms.Get(roomID)
	if err != nil {

		if errors.Cause(err) == repository.ErrRoomNotFound {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
			return
		}

		level.Error(s.logger).Log("msg", "failed to serve room", "room", roomID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load room"})
		return
	}

	s.writeJSON(w, http.StatusOK, s.roomModel(r))
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, req *http.Request) {

	now := time.Now()
	bucket := now.Unix() / int64(totalRoomsBucket.Seconds())

	s.writeJSON(w, http.StatusOK, &StatsModel{
		ActiveRooms: s.rooms.ActiveRooms(),
		ActiveUsers: s.rooms.ActiveSites(),
		TotalRooms:  s.rooms.TotalRooms(bucket),
		Uptime:      utils.FormatUptime(s.startedAt, now),
		StartedAt:   s.startedAt.UTC().Format(time.RFC3339),
	})
}

// roomModel renders a room with a never-null event list and the
// advertised settings.
func (s *Server) roomModel(r *room.Room) *RoomModel {

	return &RoomModel{
		RoomID: r.ID,
		Events: r.Events(0),
		Settings: RoomSettings{
			DocumentLimit:    s.conf.DocumentLengthLimit,
			HeartbitInterval: s.conf.HeartbitInterval,
		},
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(s.logger).Log("msg", "failed to write response", "err", err)
	}
}
