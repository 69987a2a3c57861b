package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
)

// QueryAudit lists audit entries. Filters: session, event, host, username,
// since and until (RFC 3339), limit, offset.
func (a *API) QueryAudit(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeJSON(w, http.StatusNotImplemented, apiError{Code: "internal", Error: "audit log is not enabled"})
		return
	}
	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		SessionID: q.Get("session"),
		EventType: q.Get("event"),
		Host:      q.Get("host"),
		Username:  q.Get("username"),
	}
	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeBadRequest(w, "invalid limit")
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeBadRequest(w, "invalid offset")
		return
	}
	if opts.Since, err = timeParam(q.Get("since")); err != nil {
		writeBadRequest(w, "invalid since")
		return
	}
	if opts.Until, err = timeParam(q.Get("until")); err != nil {
		writeBadRequest(w, "invalid until")
		return
	}

	res, err := a.Auditor.Query(opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"entries": res.Entries,
		"total":   res.Total,
		"limit":   res.Limit,
		"offset":  res.Offset,
	})
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetServerLogs returns the last lines of the service log file.
func (a *API) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = n
		}
	}
	if a.LogPath == "" {
		writeOK(w, map[string]interface{}{"logs": ""})
		return
	}
	content, err := logging.ReadTail(a.LogPath, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"logs": content})
}
