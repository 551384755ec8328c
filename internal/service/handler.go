package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"consultwatch/internal/auth"
	"consultwatch/internal/portal"
	"consultwatch/lib/serviceutil"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const report_handler_encode = "handler.encode"

// JSON writes v as a JSON response.
func (s Service) JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		s.tel.ReportBroken(report_handler_encode, err)
	}
}

// Error writes err with the status its kind maps to.
func (s Service) Error(w http.ResponseWriter, err error) {
	s.JSON(w, statusOf(err), map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, portal.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, portal.ErrChallengeExpected):
		return http.StatusAccepted
	case errors.Is(err, portal.ErrAuthenticationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, portal.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, portal.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, portal.ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type authResponse struct {
	State       string `json:"state"`
	ChallengeId string `json:"challenge_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s Service) writeAuth(w http.ResponseWriter, res auth.Result, err error) {
	body := authResponse{State: res.State.String(), ChallengeId: res.Challenge.Id}
	status := http.StatusOK
	if err != nil {
		body.Error = err.Error()
		status = statusOf(err)
	}
	s.JSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil {
		return errors.Join(portal.ErrValidation, err)
	}
	return nil
}

// NewHandler exposes s over HTTP. Requests must carry accessToken as a
// bearer token unless it is empty.
func NewHandler(s Service, accessToken string) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(serviceutil.RequireAccessToken(accessToken))

	r.Get("/status", s.handleStatus)
	r.Route("/login", func(r chi.Router) {
		r.Post("/", s.handleLogin)
		r.Post("/challenge", s.handleChallenge)
		r.Delete("/challenge/{id}", s.handleCancelChallenge)
	})
	r.Post("/logout", s.handleLogout)
	r.Get("/folders/{folder}", s.handleListFolder)
	r.Get("/messages/{ref}", s.handleFetchDetail)
	r.Get("/messages", s.handleFetchDetail)
	r.Post("/questions", s.handleSubmitQuestion)
	r.Get("/profile", s.handleProfile)
	return r
}

func (s Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.JSON(w, http.StatusOK, s.Status(r.Context()))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	err := decode(r, &req)
	if err != nil {
		s.Error(w, err)
		return
	}
	res, err := s.BeginLogin(r.Context(), Credentials{Email: req.Email, Password: req.Password})
	s.writeAuth(w, res, err)
}

type challengeRequest struct {
	ChallengeId string `json:"challenge_id"`
	Code        string `json:"code"`
}

func (s Service) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	err := decode(r, &req)
	if err != nil {
		s.Error(w, err)
		return
	}
	res, err := s.CompleteChallenge(r.Context(), req.ChallengeId, req.Code)
	s.writeAuth(w, res, err)
}

func (s Service) handleCancelChallenge(w http.ResponseWriter, r *http.Request) {
	if !s.CancelChallenge(chi.URLParam(r, "id")) {
		s.JSON(w, http.StatusNotFound, map[string]string{"error": "no such challenge"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Service) handleLogout(w http.ResponseWriter, r *http.Request) {
	res, err := s.Logout(r.Context())
	s.writeAuth(w, res, err)
}

func (s Service) handleListFolder(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.ListFolder(r.Context(), chi.URLParam(r, "folder"))
	if err != nil {
		s.Error(w, err)
		return
	}
	if summaries == nil {
		summaries = []portal.MessageSummary{}
	}
	s.JSON(w, http.StatusOK, summaries)
}

func (s Service) handleFetchDetail(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	if ref == "" {
		ref = r.URL.Query().Get("url")
	}
	detail, err := s.FetchDetail(r.Context(), ref)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.JSON(w, http.StatusOK, detail)
}

type questionRequest struct {
	Text           string `json:"text"`
	Draft          bool   `json:"draft"`
	AttachmentPath string `json:"attachment_path"`
}

func (s Service) handleSubmitQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	err := decode(r, &req)
	if err != nil {
		s.Error(w, err)
		return
	}
	err = s.SubmitQuestion(r.Context(), portal.Question{
		Text:           req.Text,
		Draft:          req.Draft,
		AttachmentPath: req.AttachmentPath,
	})
	if err != nil {
		s.Error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s Service) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.FetchProfile(r.Context())
	if err != nil {
		s.Error(w, err)
		return
	}
	s.JSON(w, http.StatusOK, profile)
}
