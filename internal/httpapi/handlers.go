package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"agritrace.org/internal/auth"
	"agritrace.org/internal/certify"
	"agritrace.org/internal/obs"
	"agritrace.org/internal/stream"
)

const serviceName = "agritrace-api"

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the collaborators and limits of the HTTP layer.
type Options struct {
	Auth          *auth.Service
	DevTokens     bool
	TokenTTL      time.Duration
	Stream        *stream.Stream
	PublicBaseURL string
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string

	svc    *certify.Service
	auth   *auth.Service
	stream *stream.Stream

	devTokens     bool
	tokenTTL      time.Duration
	publicBaseURL string
	rateBurst     int
	ratePerSec    int
	maxBodyBytes  int64
}

func New(rp readinessChecker, version string, svc *certify.Service, opts Options) *API {
	a := &API{
		mux:           http.NewServeMux(),
		readyProbe:    rp,
		version:       version,
		svc:           svc,
		auth:          opts.Auth,
		stream:        opts.Stream,
		devTokens:     opts.DevTokens,
		tokenTTL:      opts.TokenTTL,
		publicBaseURL: opts.PublicBaseURL,
		rateBurst:     opts.RateBurst,
		ratePerSec:    opts.RatePerSecond,
		maxBodyBytes:  opts.MaxBodyBytes,
	}
	if a.tokenTTL <= 0 {
		a.tokenTTL = 15 * time.Minute
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 40
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 20
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("POST /v1/auth/token", a.handleAuthToken)

	// public verification
	a.mux.HandleFunc("GET /v1/verify/{token}", a.verify)
	a.mux.HandleFunc("POST /v1/verify/batch", a.verifyBatch)
	a.mux.HandleFunc("GET /v1/credentials/{token}/document", a.credentialDocument)
	a.mux.HandleFunc("GET /v1/credentials/{token}/oca", a.credentialOCA)
	a.mux.HandleFunc("GET /v1/track/{trackingToken}", a.track)

	// authenticated workflow
	a.mux.Handle("POST /v1/batches", RequireRole(auth.RoleExporter)(http.HandlerFunc(a.createBatch)))
	a.mux.HandleFunc("GET /v1/batches/{id}", a.getBatch)
	a.mux.HandleFunc("GET /v1/batches/{id}/credentials", a.listBatchCredentials)
	a.mux.Handle("POST /v1/batches/{id}/inspections", RequireRole(auth.RoleQAAgency)(http.HandlerFunc(a.scheduleInspection)))
	a.mux.HandleFunc("GET /v1/inspections/{id}", a.getInspection)
	a.mux.Handle("POST /v1/inspections/{id}/complete", RequireRole(auth.RoleQAAgency)(http.HandlerFunc(a.completeInspection)))
	a.mux.Handle("POST /v1/credentials", RequireRole(auth.RoleQAAgency)(http.HandlerFunc(a.issueCredential)))
	a.mux.HandleFunc("GET /v1/credentials/{id}", a.getCredential)
	a.mux.Handle("POST /v1/credentials/{id}/revoke", RequireRole(auth.RoleQAAgency, auth.RoleAdmin)(http.HandlerFunc(a.revokeCredential)))
	a.mux.Handle("POST /v1/credentials/{id}/anchor", RequireRole(auth.RoleQAAgency, auth.RoleAdmin)(http.HandlerFunc(a.retryAnchoring)))
	a.mux.Handle("GET /v1/events", RequireRole(auth.RoleQAAgency, auth.RoleAdmin)(http.HandlerFunc(a.Stream)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readyProbe != nil {
		if err := a.readyProbe.Check(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
