package authapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/migadu/imapauth/provider"
)

// Request/Response types

// CredentialsRequest carries submitted credentials. Missing or null fields
// are passed on as absent.
type CredentialsRequest struct {
	Username *string `json:"username"`
	Password *string `json:"password"`
}

func (c CredentialsRequest) toProvider() *provider.PasswordRequest {
	return &provider.PasswordRequest{Username: c.Username, Password: c.Password}
}

type ValidateChangeRequest struct {
	CredentialsRequest
	CheckData *bool `json:"check_data"`
}

type AccountCreationRequest struct {
	Username string `json:"username"`
	Creator  string `json:"creator"`
}

type VerdictResponse struct {
	Status   string `json:"status"`
	Username string `json:"username,omitempty"`
}

type ExistsResponse struct {
	Username string `json:"username"`
	Exists   bool   `json:"exists"`
}

func verdictResponse(v provider.Verdict) VerdictResponse {
	return VerdictResponse{Status: v.Status.String(), Username: v.Username}
}

// Handler functions

// handleHealth always answers 200 while the process serves requests. Upstream
// outages only make verdicts abstain, so they are reported but not fatal.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if s.health != nil {
		resp["upstream"] = s.health.Overall()
		resp["components"] = s.health.Components()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAuthenticationRequests(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	if action == "" {
		s.writeError(w, http.StatusBadRequest, "action query parameter is required")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"action":   action,
		"requests": s.provider.AuthenticationRequests(provider.Action(action)),
	})
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	verdict := s.provider.BeginPrimaryAuthentication(r.Context(), []provider.Request{req.toProvider()})
	s.writeJSON(w, http.StatusOK, verdictResponse(verdict))
}

func (s *Server) handleUserExists(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	flags := provider.ParseReadFlags(r.URL.Query().Get("flags"))

	exists := s.provider.TestUserExists(r.Context(), username, flags)
	s.writeJSON(w, http.StatusOK, ExistsResponse{Username: username, Exists: exists})
}

func (s *Server) handleAccountCreationType(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"type": string(s.provider.AccountCreationType())})
}

func (s *Server) handleBeginAccountCreation(w http.ResponseWriter, r *http.Request) {
	var req AccountCreationRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	verdict := s.provider.BeginPrimaryAccountCreation(r.Context(), req.Username, req.Creator, nil)
	s.writeJSON(w, http.StatusOK, verdictResponse(verdict))
}

func (s *Server) handleValidateCredentialChange(w http.ResponseWriter, r *http.Request) {
	var req ValidateChangeRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	checkData := req.CheckData == nil || *req.CheckData

	status := s.provider.AllowsAuthenticationDataChange(req.CredentialsRequest.toProvider(), checkData)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleChangeCredentials(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	s.provider.ChangeAuthenticationData(req.toProvider())
	w.WriteHeader(http.StatusNoContent)
}
