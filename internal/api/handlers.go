package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/andyleap/bioauth/internal/apierr"
	"github.com/andyleap/bioauth/internal/auth"
	"github.com/andyleap/bioauth/internal/biometric"
	"github.com/andyleap/bioauth/internal/facial"
	"github.com/andyleap/bioauth/internal/models"
	"github.com/andyleap/bioauth/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	webauthnService *auth.WebAuthnService
	facialEngine    *facial.Engine
	manager         *biometric.Manager
	issuer          session.Issuer
	logger          *slog.Logger
	origins         []string
}

func NewServer(webauthnService *auth.WebAuthnService, facialEngine *facial.Engine, manager *biometric.Manager, issuer session.Issuer, logger *slog.Logger, origins []string) *Server {
	return &Server{
		webauthnService: webauthnService,
		facialEngine:    facialEngine,
		manager:         manager,
		issuer:          issuer,
		logger:          logger,
		origins:         origins,
	}
}

// Router returns the full HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(CORSMiddleware(s.origins))
	r.Use(ClientInfoMiddleware)

	r.Get("/health", s.HealthHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/validate/{sessionId}", s.ValidateSessionHandler)
		r.Post("/logout", s.LogoutHandler)

		r.Post("/webauthn/authentication/options", s.AuthenticationOptionsHandler)
		r.Post("/webauthn/authentication/verify", s.AuthenticationVerifyHandler)
		r.Post("/facial/verify", s.FacialVerifyHandler)

		r.Group(func(r chi.Router) {
			r.Use(RequireSession(s.issuer, s.logger))

			r.Post("/webauthn/registration/options", s.RegistrationOptionsHandler)
			r.Post("/webauthn/registration/verify", s.RegistrationVerifyHandler)
			r.Get("/webauthn/credentials", s.ListCredentialsHandler)
			r.Delete("/webauthn/credentials/{id}", s.DeleteCredentialHandler)

			r.Post("/facial/register", s.FacialRegisterHandler)
			r.Get("/facial/descriptors", s.ListDescriptorsHandler)
			r.Delete("/facial/descriptors/{id}", s.DeleteDescriptorHandler)

			r.Get("/biometric/status", s.StatusHandler)
		})
	})
	return r
}

type validateResponse struct {
	Valid   bool      `json:"valid"`
	UserID  string    `json:"userId"`
	Email   string    `json:"email"`
	Method  string    `json:"method"`
	Expires time.Time `json:"expires"`
}

func (s *Server) ValidateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if sessionID == "" {
		writeError(w, r, s.logger, apierr.BadRequest("sessionId required"))
		return
	}

	sess, err := s.issuer.Validate(r.Context(), sessionID)
	if apierr.Is(err, apierr.KindUnauthorized) {
		writeError(w, r, s.logger, apierr.NotFound("session not found"))
		return
	}
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, validateResponse{
		Valid:   true,
		UserID:  sess.UserID,
		Email:   sess.Email,
		Method:  sess.Method,
		Expires: sess.ExpiresAt,
	})
}

func (s *Server) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	token := sessionToken(r)
	if token == "" {
		token = r.URL.Query().Get("sessionId")
	}
	if token == "" {
		writeError(w, r, s.logger, apierr.BadRequest("sessionId required"))
		return
	}

	if err := s.issuer.Revoke(r.Context(), token); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	Method    string       `json:"method"`
	User      *models.User `json:"user"`
}

// login turns a proven identity into a session and sets the session cookie.
func (s *Server) login(w http.ResponseWriter, r *http.Request, user *models.User, method string) {
	grant, err := s.issuer.Issue(r.Context(), user, method)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    grant.Token,
		Path:     "/",
		Expires:  grant.Session.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     grant.Token,
		ExpiresAt: grant.Session.ExpiresAt,
		Method:    method,
		User:      user,
	})
}
