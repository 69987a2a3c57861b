package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/gluk-w/sshdeck/internal/sshterminal"
)

type generateKeyRequest struct {
	Comment    string `json:"comment"`
	Passphrase string `json:"passphrase"`
}

// GenerateKey returns a fresh key pair without storing it.
func (a *API) GenerateKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	kp, err := sshkeys.GenerateKeyPair(req.Comment, req.Passphrase)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"key": kp})
}

type inspectKeyRequest struct {
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
	Passphrase string `json:"passphrase"`
}

// InspectKey reports the fingerprint and algorithm of a key. When both
// halves are given they must belong together.
func (a *API) InspectKey(w http.ResponseWriter, r *http.Request) {
	var req inspectKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.PublicKey == "" && req.PrivateKey == "" {
		writeBadRequest(w, "publicKey or privateKey is required")
		return
	}

	pub := req.PublicKey
	var derived string
	if req.PrivateKey != "" {
		var err error
		derived, err = sshkeys.PublicKeyFor([]byte(req.PrivateKey), req.Passphrase)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		if pub == "" {
			pub = derived
		}
	}

	info, err := sshkeys.Describe([]byte(pub))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if derived != "" && req.PublicKey != "" {
		own, err := sshkeys.Describe([]byte(derived))
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		if err := sshkeys.MatchFingerprint([]byte(req.PublicKey), own.Fingerprint); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, apiError{Code: "key_mismatch", Error: err.Error()})
			return
		}
	}

	writeOK(w, map[string]interface{}{
		"fingerprint": info.Fingerprint,
		"algorithm":   info.Algorithm,
		"comment":     info.Comment,
		"publicKey":   strings.TrimSpace(pub),
	})
}

type deployKeyRequest struct {
	Comment    string `json:"comment"`
	Passphrase string `json:"passphrase"`
}

// DeployKey installs a new key on the profile's host and switches the
// profile over to it. A profile holds one credential, so the password is
// dropped.
func (a *API) DeployKey(w http.ResponseWriter, r *http.Request) {
	var req deployKeyRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	p, err := a.Store.Profile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	comment := strings.TrimSpace(req.Comment)
	if comment == "" {
		comment = "sshdeck-" + p.Name
	}
	cfg := sshterminal.Config{
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Password:   p.Password,
		PrivateKey: p.PrivateKey,
		Passphrase: p.Passphrase,
	}

	kp, err := sshkeys.Deploy(r.Context(), a.Sessions, cfg, sshkeys.DeployOptions{
		Comment:    comment,
		Passphrase: req.Passphrase,
		Log:        a.logger().Named("sshkeys"),
	})
	if a.Auditor != nil {
		if aerr := a.Auditor.LogKeyDeploy(p.ID, cfg, kp.Fingerprint, sshaudit.ExtractSourceIP(r), err); aerr != nil {
			a.logger().Warn("audit key deploy", zap.Error(aerr))
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	p.Password = ""
	p.PrivateKey = kp.PrivateKey
	p.Passphrase = req.Passphrase
	saved, err := a.Store.SaveProfile(r.Context(), p)
	a.recordTreeOp("save_profile", err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{
		"connection":  saved,
		"publicKey":   kp.PublicKey,
		"fingerprint": kp.Fingerprint,
	})
}
