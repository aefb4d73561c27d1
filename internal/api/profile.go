package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kalambet/memoir/internal/profile"
	"github.com/kalambet/memoir/internal/storage"
)

func handleGetProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Profile.GetProfile()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

// handlePatchProfile sets each given key. Unknown keys reject the whole
// request before anything is written.
func handlePatchProfile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		for key := range fields {
			if !profile.ValidKey(key) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown profile key %q", key)
				return
			}
		}

		for key, value := range fields {
			if err := deps.Profile.SetField(key, value); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to set field %q: %v", key, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	}
}

type policyResponse struct {
	Version   int64           `json:"version"`
	Active    bool            `json:"active"`
	Profile   json.RawMessage `json:"profile"`
	CreatedAt string          `json:"created_at"`
}

func toPolicyResponse(p storage.PersonaPolicy) policyResponse {
	return policyResponse{Version: p.Version, Active: p.Active, Profile: rawJSON(p.ProfileJSON), CreatedAt: formatTime(p.CreatedAt)}
}

type savePolicyRequest struct {
	// Profile defaults to a snapshot of the current profile.
	Profile  json.RawMessage `json:"profile"`
	Activate *bool           `json:"activate"`
}

// handleSavePolicy stores a new persona policy version, activated unless
// the request says otherwise.
func handleSavePolicy(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req savePolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		doc := []byte(req.Profile)
		if len(doc) == 0 || string(doc) == "null" {
			p, err := deps.Profile.GetProfile()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to get profile: %v", err)
				return
			}
			if doc, err = json.Marshal(p); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "encoding profile: %v", err)
				return
			}
		} else if doc[0] != '{' {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "profile must be an object")
			return
		}

		activate := req.Activate == nil || *req.Activate
		version, err := deps.Store.SavePersonaPolicy(string(doc), activate)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving policy: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": version, "active": activate})
	}
}

func handleActivePolicy(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := deps.Store.ActivePersonaPolicy()
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "no active persona policy")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "loading policy: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toPolicyResponse(p))
	}
}

func handleListPolicies(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 200)
		list, err := deps.Store.ListPersonaPolicies(limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing policies: %v", err)
			return
		}
		out := make([]policyResponse, 0, len(list))
		for _, p := range list {
			out = append(out, toPolicyResponse(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": out})
	}
}
