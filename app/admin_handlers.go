package vaultrelay

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"vaultrelay/core"
)

const adminTokenTTL = 10 * time.Minute

type MintAdminTokenRequest struct {
	// Secret is the base64 encoded admin secret the server was configured
	// with. Knowing it is the operator's proof of privilege.
	Secret string `json:"secret" validate:"required,base64"`
}

type MintAdminTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// MintAdminTokenHandler exchanges the shared admin secret for a short-lived
// signed token accepted by the nuke-all operation. Keeping the mint step
// over HTTP keeps raw secrets off the relay event surface.
func (app *App) MintAdminTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req MintAdminTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(&req); err != nil {
		http.Error(w, FormatValidationErrors(err), http.StatusBadRequest)
		return
	}

	presented, err := base64.StdEncoding.DecodeString(req.Secret)
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare(presented, []byte(app.config.Admin.Secret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	token, exp, err := core.NewAdminToken(adminTokenTTL, []byte(app.config.Admin.Secret))
	if err != nil {
		app.logger.Error("mint admin token: " + err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(MintAdminTokenResponse{Token: token, ExpiresAt: exp})
}
