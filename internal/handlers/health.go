package handlers

import (
	"net/http"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "not configured"
	if a.DB != nil {
		dbStatus = "disconnected"
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.PingContext(r.Context()); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	if dbStatus == "disconnected" {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	profiles, folders := a.Store.Counts()
	writeJSON(w, code, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": a.Sessions.Count(),
		"profiles": profiles,
		"folders":  folders,
	})
}
