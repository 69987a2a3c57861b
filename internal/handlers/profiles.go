package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gluk-w/sshdeck/internal/sshterminal"
	"github.com/gluk-w/sshdeck/internal/tree"
)

func (a *API) recordTreeOp(op string, err error) {
	if a.Metrics != nil {
		a.Metrics.RecordTreeOp(op, err)
	}
}

func (a *API) ListProfiles(w http.ResponseWriter, r *http.Request) {
	listing, err := a.Store.GetAll(r.Context())
	a.recordTreeOp("get_all", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"connections": listing.Connections,
		"tree":        listing.Tree,
	})
}

func (a *API) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := a.Store.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"connection": p})
}

func (a *API) SaveProfile(w http.ResponseWriter, r *http.Request) {
	var in tree.Profile
	if err := decodeBody(r, &in); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	saved, err := a.Store.SaveProfile(r.Context(), in)
	a.recordTreeOp("save_profile", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"connection": saved})
}

func (a *API) DeleteProfile(w http.ResponseWriter, r *http.Request) {
	err := a.Store.DeleteProfile(r.Context(), chi.URLParam(r, "id"))
	a.recordTreeOp("delete_profile", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (a *API) SearchProfiles(w http.ResponseWriter, r *http.Request) {
	results, err := a.Store.Search(r.Context(), r.URL.Query().Get("q"))
	a.recordTreeOp("search", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"results": results})
}

type connectProfileRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// ConnectProfile opens a session from a stored profile. The session id is
// generated unless the caller supplies one.
func (a *API) ConnectProfile(w http.ResponseWriter, r *http.Request) {
	var req connectProfileRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	p, err := a.Store.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	cfg := sshterminal.Config{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		Passphrase: p.Passphrase,
		Cols:       req.Cols,
		Rows:       req.Rows,
	}
	a.connect(w, r, sessionID, cfg)
}
