package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"html/template"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JaykumarBariya/OSWD-Assignment2/internal/auth"
	"github.com/JaykumarBariya/OSWD-Assignment2/internal/config"
	"github.com/JaykumarBariya/OSWD-Assignment2/internal/crypto"
	"github.com/JaykumarBariya/OSWD-Assignment2/internal/model"
)

const tokenCookieName = "jwt"

// Store is what the handlers need from the record store. The pgx-backed
// repository satisfies it; tests use an in-memory fake. Absent rows are
// reported as pgx.ErrNoRows.
type Store interface {
	CreateUser(ctx context.Context, user model.User) error
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	CreateStudent(ctx context.Context, student model.Student) error
	ListStudents(ctx context.Context) ([]model.Student, error)
	GetStudent(ctx context.Context, id string) (model.Student, error)
	UpdateStudent(ctx context.Context, id, name string, age int, email string) (model.Student, error)
	DeleteStudent(ctx context.Context, id string) (bool, error)
}

type Server struct {
	cfg       config.Config
	store     Store
	log       *zap.Logger
	validate  *validator.Validate
	templates *template.Template

	// dummyHash keeps login timing flat when the email is unknown.
	dummyHash string

	registry     *prometheus.Registry
	authFailures *prometheus.CounterVec
}

func NewServer(cfg config.Config, store Store, log *zap.Logger) (*Server, error) {
	templates, err := parseTemplates()
	if err != nil {
		return nil, err
	}
	dummyHash, err := crypto.HashPassword("unused-placeholder")
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	authFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_failures_total",
		Help: "Authentication failures by reason.",
	}, []string{"reason"})
	registry.MustRegister(authFailures)

	return &Server{
		cfg:          cfg,
		store:        store,
		log:          log,
		validate:     validator.New(),
		templates:    templates,
		dummyHash:    dummyHash,
		registry:     registry,
		authFailures: authFailures,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Get("/", s.handleHome)
	r.Post("/register", s.handleRegister)
	r.Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)

	r.Route("/students", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleListStudents)
		r.Get("/add", s.handleAddStudentForm)
		r.Post("/add", s.handleAddStudent)
		r.Get("/edit/{id}", s.handleEditStudentForm)
		r.Post("/edit/{id}", s.handleEditStudent)
		// Deletion also answers GET for parity with the original UI links.
		r.Get("/delete/{id}", s.handleDeleteStudent)
		r.Post("/delete/{id}", s.handleDeleteStudent)
	})

	return r
}

func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "home.html", nil)
}

type registerRequest struct {
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeRequest(r, &req, func(form formValues) {
		req.Name = form.Get("name")
		req.Email = form.Get("email")
		req.Password = form.Get("password")
	}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = sanitizeText(req.Name)
	req.Email = normalizeEmail(req.Email)

	if violations := s.validateStruct(req); len(violations) > 0 {
		writeValidationError(w, violations)
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.log.Error("password hash failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	user := model.User{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Email:        req.Email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.log.Error("user create failed", zap.String("email", req.Email), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.log.Info("user registered", zap.String("id", user.ID), zap.String("email", user.Email))
	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeRequest(r, &req, func(form formValues) {
		req.Email = form.Get("email")
		req.Password = form.Get("password")
	}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = normalizeEmail(req.Email)

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Burn a comparison against a throwaway hash so an unknown
			// email takes as long as a wrong password.
			_ = crypto.CheckPassword(s.dummyHash, req.Password)
			writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		s.log.Error("user lookup failed", zap.String("email", req.Email), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if err := crypto.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return
	}

	token, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.TokenTTL, auth.Claims{
		Email: user.Email,
	})
	if err != nil {
		s.log.Error("token issue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.TokenTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

type studentView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Age   int    `json:"age"`
	Email string `json:"email"`
}

func mapStudentView(student model.Student) studentView {
	return studentView{
		ID:    student.ID,
		Name:  student.Name,
		Age:   student.Age,
		Email: student.Email,
	}
}

func (s *Server) handleListStudents(w http.ResponseWriter, r *http.Request) {
	if claims := claimsFromContext(r.Context()); claims != nil {
		s.log.Debug("listing students", zap.String("user", claims.Email))
	}

	students, err := s.store.ListStudents(r.Context())
	if err != nil {
		s.log.Error("student list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	if wantsJSON(r) {
		views := make([]studentView, 0, len(students))
		for _, student := range students {
			views = append(views, mapStudentView(student))
		}
		writeJSON(w, http.StatusOK, views)
		return
	}

	s.render(w, http.StatusOK, "students_list.html", map[string]interface{}{
		"Students": students,
	})
}

func (s *Server) handleAddStudentForm(w http.ResponseWriter, _ *http.Request) {
	s.render(w, http.StatusOK, "student_form.html", map[string]interface{}{
		"Title":   "Add Student",
		"Action":  "/students/add",
		"Student": model.Student{},
	})
}

func (s *Server) handleAddStudent(w http.ResponseWriter, r *http.Request) {
	name, age, email, violations, err := s.decodeStudentInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(violations) > 0 {
		writeValidationError(w, violations)
		return
	}

	now := time.Now().UTC()
	student := model.Student{
		ID:        uuid.NewString(),
		Name:      name,
		Age:       age,
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateStudent(r.Context(), student); err != nil {
		s.log.Error("student create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.log.Info("student created", zap.String("id", student.ID))
	if wantsJSON(r) {
		writeJSON(w, http.StatusCreated, map[string]string{"id": student.ID})
		return
	}
	http.Redirect(w, r, "/students", http.StatusSeeOther)
}

func (s *Server) handleEditStudentForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	student, err := s.store.GetStudent(r.Context(), id)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		s.log.Error("student fetch failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	// An unknown id still renders the form, just empty. The original
	// behaved this way and the edit POST reports the 404.
	s.render(w, http.StatusOK, "student_form.html", map[string]interface{}{
		"Title":   "Edit Student",
		"Action":  "/students/edit/" + id,
		"Student": student,
	})
}

func (s *Server) handleEditStudent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	name, age, email, violations, err := s.decodeStudentInput(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(violations) > 0 {
		writeValidationError(w, violations)
		return
	}

	student, err := s.store.UpdateStudent(r.Context(), id, name, age, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "student not found")
			return
		}
		s.log.Error("student update failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	s.log.Info("student updated", zap.String("id", id))
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, mapStudentView(student))
		return
	}
	http.Redirect(w, r, "/students", http.StatusSeeOther)
}

func (s *Server) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.store.DeleteStudent(r.Context(), id)
	if err != nil {
		s.log.Error("student delete failed", zap.String("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "student not found")
		return
	}

	s.log.Info("student deleted", zap.String("id", id))
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}
	http.Redirect(w, r, "/students", http.StatusSeeOther)
}

type studentPayload struct {
	Name  string      `json:"name"`
	Age   json.Number `json:"age"`
	Email string      `json:"email"`
}

type studentFields struct {
	Name  string `validate:"required"`
	Email string `validate:"required,email"`
}

// decodeStudentInput reads a student payload from JSON or form input,
// sanitizes it, and returns the full list of violated rules alongside the
// cleaned values. Nothing touches the store while violations exist.
// Age is checked by the parse step alone: any integer is accepted.
func (s *Server) decodeStudentInput(r *http.Request) (name string, age int, email string, violations []string, err error) {
	var payload studentPayload
	if err := decodeRequest(r, &payload, func(form formValues) {
		payload.Name = form.Get("name")
		payload.Age = json.Number(form.Get("age"))
		payload.Email = form.Get("email")
	}); err != nil {
		return "", 0, "", nil, err
	}

	name = sanitizeText(payload.Name)
	email = normalizeEmail(payload.Email)

	ageRaw := strings.TrimSpace(payload.Age.String())
	if ageRaw == "" {
		violations = append(violations, "field Age is required")
	} else if parsed, parseErr := strconv.Atoi(ageRaw); parseErr != nil {
		violations = append(violations, "field Age must be an integer")
	} else {
		age = parsed
	}

	fields := studentFields{Name: name, Email: email}
	violations = append(violations, s.validateStruct(fields)...)
	return name, age, email, violations, nil
}

func (s *Server) validateStruct(v interface{}) []string {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return []string{"invalid input"}
	}

	messages := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		switch fieldErr.ActualTag() {
		case "required":
			messages = append(messages, fmt.Sprintf("field %s is required", fieldErr.Field()))
		case "email":
			messages = append(messages, fmt.Sprintf("field %s must be a valid email address", fieldErr.Field()))
		case "min":
			messages = append(messages, fmt.Sprintf("field %s must be at least %s characters", fieldErr.Field(), fieldErr.Param()))
		default:
			messages = append(messages, fmt.Sprintf("field %s is invalid", fieldErr.Field()))
		}
	}
	return messages
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(tokenCookieName)
		if err != nil {
			s.rejectUnauthenticated(w, "missing")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, cookie.Value)
		if err != nil {
			s.rejectUnauthenticated(w, authFailureReason(err))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectUnauthenticated keeps the external contract coarse (one 401 body for
// every failure kind) while the reason stays visible in logs and metrics.
func (s *Server) rejectUnauthenticated(w http.ResponseWriter, reason string) {
	s.authFailures.WithLabelValues(reason).Inc()
	s.log.Debug("request rejected", zap.String("reason", reason))
	writeError(w, http.StatusUnauthorized, "authentication failed")
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrSignatureInvalid):
		return "signature"
	default:
		return "malformed"
	}
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

type formValues interface {
	Get(key string) string
}

// decodeRequest accepts JSON and form-encoded bodies uniformly: JSON decodes
// into out, anything else goes through the form callback.
func decodeRequest(r *http.Request, out interface{}, fromForm func(formValues)) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		return decoder.Decode(out)
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	fromForm(r.PostForm)
	return nil
}

func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func sanitizeText(value string) string {
	return html.EscapeString(strings.TrimSpace(value))
}

func normalizeEmail(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeValidationError(w http.ResponseWriter, violations []string) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "validation failed",
		"details": violations,
	})
}
