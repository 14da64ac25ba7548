package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"github.com/macjediwizard/caldavsync/internal/activity"
	"github.com/macjediwizard/caldavsync/internal/breaker"
	"github.com/macjediwizard/caldavsync/internal/db"
	"github.com/macjediwizard/caldavsync/internal/notify"
	"github.com/macjediwizard/caldavsync/internal/scheduler"
)

const (
	defaultWaitTimeout = 5 * time.Minute
	defaultKeepAlive   = 15 * time.Second
)

// Scheduler is the part of the job scheduler the API drives.
type Scheduler interface {
	OnDemandRequest(bindingID string) *scheduler.Future
	OnExternalChangeNotification(bindingID string) *scheduler.Future
	Cancel(bindingID string) bool
	AddBinding(bindingID string)
	RemoveBinding(bindingID string)
	Jobs() []scheduler.JobStatus
}

// Accounts stores credentials and drops per-account client state.
type Accounts interface {
	SaveBasic(username, password string) (*db.Credential, error)
	SaveOAuth2(username string, token *oauth2.Token) (*db.Credential, error)
	Forget(accountID string)
}

// Deps holds the dependencies of the HTTP handlers. Notifier and Accounts
// are optional.
type Deps struct {
	DB        *db.DB
	Scheduler Scheduler
	Events    *activity.Broadcaster
	Tracker   *activity.Tracker
	Notifier  *notify.Notifier
	Accounts  Accounts
	Breakers  *breaker.Registry

	// WaitTimeout bounds how long ?wait=true holds a request open.
	WaitTimeout time.Duration
	// KeepAlive is the interval of SSE keep-alive comments.
	KeepAlive time.Duration
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db          *db.DB
	scheduler   Scheduler
	events      *activity.Broadcaster
	tracker     *activity.Tracker
	notifier    *notify.Notifier
	accounts    Accounts
	breakers    *breaker.Registry
	waitTimeout time.Duration
	keepAlive   time.Duration
	startedAt   time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(d Deps) *Handlers {
	if d.WaitTimeout <= 0 {
		d.WaitTimeout = defaultWaitTimeout
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = defaultKeepAlive
	}
	if d.Breakers == nil {
		d.Breakers = breaker.NewRegistry(breaker.DefaultConfig())
	}
	return &Handlers{
		db:          d.DB,
		scheduler:   d.Scheduler,
		events:      d.Events,
		tracker:     d.Tracker,
		notifier:    d.Notifier,
		accounts:    d.Accounts,
		breakers:    d.Breakers,
		waitTimeout: d.WaitTimeout,
		keepAlive:   d.KeepAlive,
		startedAt:   time.Now(),
	}
}

// HealthReport is the body of the health endpoints.
type HealthReport struct {
	Status       string            `json:"status"`
	Uptime       string            `json:"uptime"`
	Checks       map[string]string `json:"checks,omitempty"`
	Jobs         int               `json:"jobs"`
	OpenBreakers []string          `json:"open_breakers,omitempty"`
}

// HealthCheck returns a full health report.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := HealthReport{
		Status: "healthy",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
		Checks: map[string]string{"database": "ok"},
	}
	if err := h.db.Ping(); err != nil {
		sanitizeError(err, "database ping failed")
		report.Status = "unhealthy"
		report.Checks["database"] = "unreachable"
	}
	if h.scheduler != nil {
		report.Jobs = len(h.scheduler.Jobs())
	}
	for _, s := range h.breakers.Snapshots() {
		if s.State != breaker.Closed.String() {
			report.OpenBreakers = append(report.OpenBreakers, s.Name)
		}
	}

	status := http.StatusOK
	if report.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, HealthReport{
		Status: "alive",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	})
}
