package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"github.com/marnikitta/livecoding/comm"
	"github.com/marnikitta/livecoding/repository"
)

// handleSession runs one websocket session: handshake, heartbeat and the
// receive loop. Returning from it tears the session down, because the
// deferred disconnect closes the transport and announces the departure.
func (s *Server) handleSession(w http.ResponseWriter, req *http.Request) {

	roomID := mux.Vars(req)["roomId"]

	r, err := s.rooms.Get(roomID)
	if err != nil {

		if errors.Cause(err) == repository.ErrRoomNotFound {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "room not found"})
			return
		}

		level.Error(s.logger).Log("msg", "failed to load room for session", "room", roomID, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load room"})
		return
	}

	offset := 0
	if raw := req.URL.Query().Get("offset"); raw != "" {

		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade already answered the client.
		level.Info(s.logger).Log("msg", "failed to upgrade session", "room", roomID, "err", err)
		return
	}

	// The room is persisted from the moment anybody actually joins it.
	s.rooms.Claim(roomID)

	// Id assignment and registration happen atomically inside the room,
	// so a rejected join can never tear down an established peer.
	site, err := r.Join(conn, offset)
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to join room", "room", roomID, "err", err)
		conn.Close()
		return
	}
	siteID := site.ID

	logger := log.With(s.logger,
		"session", uuid.NewV4().String(),
		"room", roomID,
		"site", siteID,
	)

	defer r.Disconnect(siteID)
	defer site.Close()

	hello, err := site.ReceiveText()
	if err != nil {
		level.Info(logger).Log("msg", "session closed before handshake", "err", err)
		return
	}
	if hello != "Hello" {
		level.Warn(logger).Log("msg", "handshake violated, tearing session down", "got", hello)
		return
	}

	if err := site.Send(&comm.WsMessage{SetSiteID: &comm.SetSiteID{SiteID: siteID}}); err != nil {
		level.Info(logger).Log("msg", "session closed during handshake", "err", err)
		return
	}

	level.Info(logger).Log("msg", "session established", "offset", offset)

	done := make(chan struct{})
	defer close(done)
	go site.Heartbeat(time.Duration(s.conf.HeartbitInterval)*time.Second, done)

	for {

		msg, err := site.Receive()
		if err != nil {

			if errors.Cause(err) == comm.ErrDisconnected {
				level.Info(logger).Log("msg", "session closed")
			} else {
				level.Warn(logger).Log("msg", "malformed frame, tearing session down", "err", err)
			}

			return
		}

		if msg.SitePresence == nil && msg.CrdtEvents == nil {
			level.Warn(logger).Log("msg", "frame carries no payload, tearing session down")
			return
		}

		if msg.SitePresence != nil {

			if err := r.ApplyPresence(msg.SitePresence, siteID); err != nil {
				level.Warn(logger).Log("msg", "refused presence, tearing session down", "err", err)
				return
			}
		}

		if msg.CrdtEvents != nil {

			if err := r.ApplyEvents(msg.CrdtEvents, siteID); err != nil {
				level.Warn(logger).Log("msg", "refused event batch, tearing session down", "err", err)
				return
			}

			s.rooms.TryCompact(roomID)
		}
	}
}
