package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"playerhub/internal/fleet"
	"playerhub/internal/store"
)

const notConnectedMsg = "Player is not connected or not found"

type createPlayerRequest struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	Platform     string   `json:"platform"`
	Capabilities []string `json:"capabilities"`
	Volume       *int     `json:"volume"`
}

func (s *Server) handleAPICreatePlayer(w http.ResponseWriter, r *http.Request) {
	var req createPlayerRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !store.Platform(req.Platform).Valid() {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid platform"})
		return
	}

	dev := &store.Device{
		ID:        req.ID,
		TenantID:  req.TenantID,
		Name:      req.Name,
		Platform:  store.Platform(req.Platform),
		Status:    store.StatusOffline,
		Volume:    50,
		CreatedAt: time.Now(),
	}
	if dev.ID == "" {
		dev.ID = uuid.NewString()
	}
	if len(req.Capabilities) > 0 {
		for _, c := range req.Capabilities {
			dev.Capabilities = append(dev.Capabilities, store.Capability(c))
		}
	} else {
		dev.Capabilities = store.DefaultCapabilities
	}
	if req.Volume != nil {
		if *req.Volume < 0 || *req.Volume > 100 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "volume must be between 0 and 100"})
			return
		}
		dev.Volume = *req.Volume
	}

	if _, err := s.fleet.Devices().GetDevice(dev.ID); err == nil {
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "player already exists"})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("create player: lookup", "err", err, "player", dev.ID)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	if err := s.fleet.Devices().SaveDevice(dev); err != nil {
		s.logger.Error("create player", "err", err, "player", dev.ID)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusCreated, dev)
}

func (s *Server) handleAPIListPlayers(w http.ResponseWriter, r *http.Request) {
	devices, err := s.fleet.Devices().ListDevices()
	if err != nil {
		s.logger.Error("list players", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleAPIGetPlayer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dev, err := s.fleet.Devices().GetDevice(id)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "player not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

type updatePlayerRequest struct {
	Name         *string  `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleAPIUpdatePlayer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updatePlayerRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.fleet.Devices().UpdateDevice(id, func(dev *store.Device) error {
		if req.Name != nil {
			dev.Name = *req.Name
		}
		if req.Capabilities != nil {
			dev.Capabilities = dev.Capabilities[:0]
			for _, c := range req.Capabilities {
				dev.Capabilities = append(dev.Capabilities, store.Capability(c))
			}
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "player not found"})
		return
	}
	if err != nil {
		s.logger.Error("update player", "err", err, "player", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	dev, err := s.fleet.Devices().GetDevice(id)
	if err != nil {
		s.logger.Error("update player: reload", "err", err, "player", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleAPIDeletePlayer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.fleet.Devices().DeleteDevice(id); err != nil {
		s.logger.Error("delete player", "err", err, "player", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIIssuePairingCode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	code, expiresAt, err := s.fleet.Pairing().Issue(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "player not found"})
			return
		}
		s.logger.Error("issue pairing code", "err", err, "player", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"code":       code,
		"expires_at": expiresAt,
	})
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.fleet.Devices().GetDevice(id); err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "player not found"})
		return
	}
	sessions, err := s.fleet.Devices().ListSessions(id)
	if err != nil {
		s.logger.Error("list sessions", "err", err, "player", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

// commandHandler builds a handler for the fixed-command endpoints.
func (s *Server) commandHandler(build func(r *http.Request) (fleet.Command, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cmd, err := build(r)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
			return
		}
		s.dispatch(w, r, cmd)
	}
}

// dispatch sends the command to the player named in the path and writes
// the uniform command response.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmd fleet.Command) {
	id := r.PathValue("id")
	messageID, err := s.fleet.Dispatcher().Send(r.Context(), id, cmd)
	if err != nil {
		if errors.Is(err, fleet.ErrNotConnected) {
			s.writeJSON(w, http.StatusNotFound, map[string]any{
				"success": false,
				"error":   notConnectedMsg,
			})
			return
		}
		s.logger.Error("dispatch command", "err", err, "player", id, "command", cmd.Type)
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "internal server error",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message_id": messageID,
	})
}

type genericCommandRequest struct {
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var req genericCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	if req.Command == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "command is required"})
		return
	}
	s.dispatch(w, r, fleet.Command{
		Type:     fleet.CommandType(req.Command),
		Payload:  req.Payload,
		Priority: req.Priority,
	})
}

type setVolumeRequest struct {
	Volume *int `json:"volume"`
}

func (s *Server) handleAPISetVolume(w http.ResponseWriter, r *http.Request) {
	var req setVolumeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	if req.Volume == nil || *req.Volume < 0 || *req.Volume > 100 {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "volume must be between 0 and 100",
		})
		return
	}
	s.dispatch(w, r, fleet.SetVolume(*req.Volume))
}

type playAdRequest struct {
	AdID            string `json:"ad_id"`
	AudioURL        string `json:"audio_url"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (s *Server) handleAPIPlayAd(w http.ResponseWriter, r *http.Request) {
	var req playAdRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	if req.AdID == "" || req.AudioURL == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "ad_id and audio_url are required",
		})
		return
	}
	s.dispatch(w, r, fleet.PlayAd(req.AdID, req.AudioURL, req.DurationSeconds))
}

type playTTSRequest struct {
	Text     string `json:"text"`
	AudioURL string `json:"audio_url"`
	Voice    string `json:"voice"`
	Priority int    `json:"priority"`
}

func (s *Server) handleAPIPlayTTS(w http.ResponseWriter, r *http.Request) {
	var req playTTSRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "invalid request body"})
		return
	}
	if req.Text == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "text is required",
		})
		return
	}
	s.dispatch(w, r, fleet.PlayTTS(req.Text, req.AudioURL, req.Voice, req.Priority))
}

func (s *Server) handleAPIPresence(w http.ResponseWriter, r *http.Request) {
	devices, connections := s.fleet.Registry().Counts()
	s.writeJSON(w, http.StatusOK, map[string]int{
		"devices":     devices,
		"connections": connections,
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
