package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/biometric"
	"github.com/andyleap/bioauth/internal/facial"
	"github.com/andyleap/bioauth/internal/liveness"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/go-chi/chi/v5"
)

type registrationVerifyRequest struct {
	Credential json.RawMessage `json:"credential"`
	DeviceName string          `json:"deviceName"`
}

type authenticationOptionsRequest struct {
	Email string `json:"email"`
}

type authenticationVerifyRequest struct {
	Email      string          `json:"email"`
	Credential json.RawMessage `json:"credential"`
}

type facialRegisterRequest struct {
	Descriptor models.Descriptor `json:"descriptor"`
	Label      string            `json:"label"`
	DeviceInfo string            `json:"deviceInfo"`
	Liveness   []liveness.Frame  `json:"liveness"`
}

type facialVerifyRequest struct {
	Email      string            `json:"email"`
	Descriptor models.Descriptor `json:"descriptor"`
}

func requireEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", apierr.BadRequest("email required")
	}
	return email, nil
}

func requireCredential(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return apierr.BadRequest("credential required")
	}
	return nil
}

// WebAuthn

func (s *Server) RegistrationOptionsHandler(w http.ResponseWriter, r *http.Request) {
	options, err := s.webauthnService.StartRegistration(r.Context(), currentSession(r).UserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) RegistrationVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req registrationVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := requireCredential(req.Credential); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	info, err := s.webauthnService.FinishRegistration(r.Context(), currentSession(r).UserID, req.Credential, req.DeviceName)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) AuthenticationOptionsHandler(w http.ResponseWriter, r *http.Request) {
	var req authenticationOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	email, err := requireEmail(req.Email)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	options, err := s.webauthnService.StartAuthentication(r.Context(), email)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, options)
}

func (s *Server) AuthenticationVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req authenticationVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	email, err := requireEmail(req.Email)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if err := requireCredential(req.Credential); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	user, err := s.webauthnService.FinishAuthentication(r.Context(), email, req.Credential)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.login(w, r, user, biometric.MethodWebAuthn)
}

func (s *Server) ListCredentialsHandler(w http.ResponseWriter, r *http.Request) {
	creds, err := s.manager.ListCredentials(r.Context(), currentSession(r).UserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) DeleteCredentialHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteCredential(r.Context(), currentSession(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "credential deleted"})
}

// Facial

func (s *Server) FacialRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req facialRegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	info, err := s.facialEngine.Enroll(r.Context(), currentSession(r).UserID, facial.Enrollment{
		Descriptor: req.Descriptor,
		Label:      req.Label,
		DeviceInfo: req.DeviceInfo,
		Liveness:   req.Liveness,
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) FacialVerifyHandler(w http.ResponseWriter, r *http.Request) {
	var req facialVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	email, err := requireEmail(req.Email)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	match, err := s.facialEngine.Verify(r.Context(), email, req.Descriptor)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	s.login(w, r, match.User, biometric.MethodFacial)
}

func (s *Server) ListDescriptorsHandler(w http.ResponseWriter, r *http.Request) {
	descs, err := s.manager.ListDescriptors(r.Context(), currentSession(r).UserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, descs)
}

func (s *Server) DeleteDescriptorHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteDescriptor(r.Context(), currentSession(r).UserID, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "descriptor deleted"})
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.Status(r.Context(), currentSession(r).UserID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
