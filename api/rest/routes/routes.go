package routes

import (
	"net/http"

	"observatory-jobs/api/rest/handlers"
	"observatory-jobs/api/rest/middleware"
	"observatory-jobs/core/repository"
	"observatory-jobs/logging"

	"github.com/gorilla/mux"
)

// Deps are the services the routes are wired to. Connections and Hub are
// optional.
type Deps struct {
	Jobs        handlers.JobService
	Connections repository.ConnectionStore
	Hub         http.Handler
	Limiter     *middleware.SiteLimiter
	Logger      logging.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	r.Use(middleware.CORS, middleware.Logging(logger))

	jobHandler := handlers.NewJobHandler(deps.Jobs, deps.Limiter, logger)

	// Job endpoints
	jobs := r.PathPrefix("/jobs").Subrouter()
	jobs.HandleFunc("/new", jobHandler.CreateJob).Methods("POST", "OPTIONS")
	jobs.HandleFunc("/updatejobstatus", jobHandler.UpdateJobStatus).Methods("POST", "OPTIONS")
	jobs.HandleFunc("/getnewjobs", jobHandler.GetNewJobs).Methods("POST", "OPTIONS")
	jobs.HandleFunc("/getrecentjobs", jobHandler.GetRecentJobs).Methods("POST", "OPTIONS")
	jobs.HandleFunc("/startjob", jobHandler.StartJob).Methods("POST", "OPTIONS")

	if deps.Connections != nil {
		connHandler := handlers.NewConnectionHandler(deps.Connections, logger)
		r.HandleFunc("/connections", connHandler.Handle).Methods("POST", "OPTIONS")
	}
	if deps.Hub != nil {
		r.Handle("/ws", deps.Hub).Methods("GET")
	}

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
}
