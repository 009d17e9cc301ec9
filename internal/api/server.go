package api

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	cronx "github.com/dagrun/dagrun/internal/cron"
	"github.com/dagrun/dagrun/internal/dispatch"
	"github.com/dagrun/dagrun/internal/jobs"
	"github.com/dagrun/dagrun/internal/store"
	"github.com/dagrun/dagrun/internal/workers"
)

type Server struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	scheduler  *cronx.Scheduler
	workers    *workers.Registry
	logger     *slog.Logger
	validate   *validator.Validate
}

func NewServer(st store.Store, dispatcher *dispatch.Dispatcher, scheduler *cronx.Scheduler, registry *workers.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:      st,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		workers:    registry,
		logger:     logger,
		validate:   validator.New(),
	}
	s.registerValidations()
	return s
}

// registerValidations wires domain rules into struct validation so malformed
// requests are rejected before they reach the dispatcher.
func (s *Server) registerValidations() {
	s.validate.RegisterValidation("jobtype", func(fl validator.FieldLevel) bool {
		return jobs.JobType(fl.Field().String()).Valid()
	})
	s.validate.RegisterValidation("steptype", func(fl validator.FieldLevel) bool {
		t := jobs.JobType(fl.Field().String())
		return t.Valid() && !t.Container()
	})
	s.validate.RegisterValidation("execmode", func(fl validator.FieldLevel) bool {
		return jobs.ExecutionMode(fl.Field().String()).Valid()
	})
	s.validate.RegisterValidation("cronexpr", func(fl validator.FieldLevel) bool {
		return cronx.Validate(fl.Field().String()) == nil
	})

	// Report validation errors against JSON field names, not Go ones.
	s.validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name != "" {
			return name
		}
		return field.Name
	})
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/chain", s.handleDependencyChain).Methods(http.MethodGet)

	v1.HandleFunc("/workflows", s.handleSubmitWorkflow).Methods(http.MethodPost)

	v1.HandleFunc("/schedules", s.handleCreateSchedule).Methods(http.MethodPost)
	v1.HandleFunc("/schedules", s.handleListSchedules).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods(http.MethodGet)
	v1.HandleFunc("/schedules/{id}", s.handleUpdateSchedule).Methods(http.MethodPut)
	v1.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods(http.MethodDelete)
	v1.HandleFunc("/schedules/{id}/trigger", s.handleTriggerSchedule).Methods(http.MethodPost)

	v1.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
