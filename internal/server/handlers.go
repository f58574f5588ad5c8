package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"speedtrackerd/internal/cipher"
	"speedtrackerd/internal/github"
	"speedtrackerd/internal/scheduler"
	"speedtrackerd/internal/storage"
	logx "speedtrackerd/pkg/logx"
)

type handlers struct {
	log   logx.Logger
	store storage.Store
	sched *scheduler.Service
	gh    *github.Client
}

func pathID(r *http.Request) storage.ProfileID {
	return storage.ProfileID{
		User:   r.PathValue("user"),
		Repo:   r.PathValue("repo"),
		Branch: r.PathValue("branch"),
		Name:   r.PathValue("profile"),
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// triggerTest runs a profile's test immediately and blocks until the run is
// finalized. The optional key query parameter is accepted for compatibility
// with older deployments and is not interpreted.
func (h *handlers) triggerTest(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	p, err := h.store.GetProfile(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", id.String())
			return
		}
		h.log.Warn("profile lookup failed", logx.String("profile", id.String()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "")
		return
	}

	rec, err := h.sched.Dispatch(r.Context(), id, p.Params)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrBlocked):
			writeError(w, http.StatusTooManyRequests, "USER_BLOCKED", id.User)
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "TEST_ALREADY_RUNNING", id.String())
		case errors.Is(err, scheduler.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "")
		default:
			h.log.Warn("test run failed", logx.String("profile", id.String()), logx.Err(err))
			writeError(w, http.StatusInternalServerError, "TEST_FAILED", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "run": rec})
}

type createRequest struct {
	Profile     string         `json:"profile"`
	Interval    int            `json:"interval"`
	Parameters  storage.Params `json:"parameters"`
	IsFrontpage bool           `json:"isfrontpage"`
}

func (h *handlers) createProfile(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()

	var req createRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	p := storage.Profile{
		ID: storage.ProfileID{
			User:   r.PathValue("user"),
			Repo:   r.PathValue("repo"),
			Branch: r.PathValue("branch"),
			Name:   req.Profile,
		},
		Interval:  req.Interval,
		Params:    req.Parameters,
		Default:   req.IsFrontpage,
		CreatedAt: time.Now().UTC(),
	}
	if !p.ID.Valid() {
		writeError(w, http.StatusBadRequest, "INVALID_PROFILE", "user, repo, branch and profile are required")
		return
	}
	if p.Interval <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INTERVAL", "interval must be a positive number of minutes")
		return
	}
	if p.Params.URL == "" {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETERS", "parameters.url is required")
		return
	}

	if err := h.store.CreateProfile(r.Context(), p); err != nil {
		if errors.Is(err, storage.ErrExists) {
			writeError(w, http.StatusConflict, "PROFILE_EXISTS", p.ID.String())
			return
		}
		h.log.Warn("profile create failed", logx.String("profile", p.ID.String()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "")
		return
	}
	h.log.Info("profile created",
		logx.String("profile", p.ID.String()),
		logx.Int("interval_min", p.Interval))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "profile": p})
}

func (h *handlers) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.store.ListProfiles(r.Context(),
		r.PathValue("user"), r.PathValue("repo"), r.PathValue("branch"))
	if err != nil {
		h.log.Warn("profile listing failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "profiles": profiles})
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	if _, err := h.store.GetProfile(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "PROFILE_NOT_FOUND", id.String())
			return
		}
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "")
		return
	}

	const defaultLimit = 50
	runs, err := h.store.ListRuns(r.Context(), id, defaultLimit)
	if err != nil {
		h.log.Warn("run listing failed", logx.String("profile", id.String()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "runs": runs})
}

// connect accepts a pending collaboration invitation for the given repo.
func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	if h.gh == nil || !h.gh.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "GITHUB_DISABLED", "no access token configured")
		return
	}
	owner, repo := r.PathValue("user"), r.PathValue("repo")
	if err := h.gh.AcceptInvitation(r.Context(), owner, repo); err != nil {
		if errors.Is(err, github.ErrNoInvitation) {
			writeError(w, http.StatusNotFound, "INVITATION_NOT_FOUND", owner+"/"+repo)
			return
		}
		h.log.Warn("invitation accept failed",
			logx.String("repo", owner+"/"+repo), logx.Err(err))
		writeError(w, http.StatusBadGateway, "GITHUB_ERROR", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *handlers) encrypt(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	text := r.PathValue("text")
	if text == "" {
		text = key
	}
	out, err := cipher.Encrypt(key, text)
	if err != nil {
		writeError(w, http.StatusBadRequest, "ENCRYPT_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "encrypted": out})
}

func (h *handlers) decrypt(w http.ResponseWriter, r *http.Request) {
	out, err := cipher.Decrypt(r.PathValue("key"), r.PathValue("text"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "DECRYPT_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "decrypted": out})
}

func (h *handlers) notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "INVALID_URL_OR_METHOD", "")
}
