package handlers

import (
	"encoding/base64"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

// MaxInputMessageSize is the largest single input write accepted.
const MaxInputMessageSize = 64 * 1024

// connect runs a blocking session connect and writes the result.
func (a *API) connect(w http.ResponseWriter, r *http.Request, id string, cfg sshterminal.Config) {
	if a.Auditor != nil {
		a.Auditor.LogConnectRequest(id, cfg, sshaudit.ExtractSourceIP(r))
	}
	err := a.Sessions.Connect(r.Context(), id, cfg)
	if err != nil {
		if errors.Is(err, sshterminal.ErrDuplicateID) || errors.Is(err, sshterminal.ErrInvalidConfig) || errors.Is(err, sshterminal.ErrRateLimited) {
			if a.Auditor != nil {
				a.Auditor.LogFailure(id, cfg, err)
			}
			if a.Metrics != nil {
				a.Metrics.RecordConnectRejected(err)
			}
		}
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"connectionId": id})
}

func (a *API) ConnectSession(w http.ResponseWriter, r *http.Request) {
	var cfg sshterminal.Config
	if err := decodeBody(r, &cfg); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	a.connect(w, r, chi.URLParam(r, "id"), cfg)
}

func (a *API) DisconnectSession(w http.ResponseWriter, r *http.Request) {
	if err := a.Sessions.Disconnect(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

type sendRequest struct {
	Data string `json:"data"`
	// Encoding is "base64" for binary input, otherwise Data is sent as is.
	Encoding string `json:"encoding,omitempty"`
}

// SendToSession writes input to a session. JSON bodies carry {data}; any
// other content type is sent verbatim.
func (a *API) SendToSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxInputMessageSize+1))
	if err != nil {
		writeBadRequest(w, "read body: "+err.Error())
		return
	}
	if len(body) > MaxInputMessageSize {
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{Code: "validation", Error: "input exceeds 64 KB"})
		return
	}

	data := body
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == "application/json" {
		var req sendRequest
		if err := jsonUnmarshal(body, &req); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		data = []byte(req.Data)
		if req.Encoding == "base64" {
			if data, err = base64.StdEncoding.DecodeString(req.Data); err != nil {
				writeBadRequest(w, "data is not valid base64")
				return
			}
		}
	}

	if err := a.Sessions.Send(id, data); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (a *API) ResizeSession(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := a.Sessions.Resize(chi.URLParam(r, "id"), req.Cols, req.Rows); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{"sessions": a.Sessions.List()})
}

func (a *API) SessionStatus(w http.ResponseWriter, r *http.Request) {
	info, err := a.Sessions.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"session": info, "traffic": info.Traffic()})
}

// SessionScrollback returns buffered output as raw bytes, or base64 in JSON
// along with whether the session has closed when format=json.
func (a *API) SessionScrollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, ok := a.Hub.Scrollback(id)
	if !ok {
		writeError(w, sshterminal.ErrNotFound)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		writeOK(w, map[string]interface{}{
			"sessionId": id,
			"data":      data,
			"closed":    a.Hub.ScrollbackClosed(id),
		})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// EventsWS streams session events over a WebSocket.
func (a *API) EventsWS(w http.ResponseWriter, r *http.Request) {
	if a.Metrics != nil {
		a.Metrics.WSConnections.Inc()
		defer a.Metrics.WSConnections.Dec()
	}
	a.logger().Debug("event stream attached", zap.String("remote", sshaudit.ExtractSourceIP(r)))
	a.Hub.ServeWS(w, r)
}
