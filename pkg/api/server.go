package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/piiagent/integrator/pkg/telemetry"
)

// Service is the orchestrator surface served over HTTP.
type Service interface {
	RegisterTargetSource(ctx context.Context, req engine.RegisterRequest) (*engine.TargetSource, error)
	GetTargetSource(ctx context.Context, id string) (*engine.TargetSource, error)
	ListTargetSources(ctx context.Context, filter engine.TargetSourceFilter) ([]*engine.TargetSource, error)
	UpdateInstallationPlan(ctx context.Context, id string, plan engine.InstallationPlan) (*engine.TargetSource, error)
	ConfirmTargets(ctx context.Context, id string, selectedIDs []string, vmConfigs map[string]*engine.VMDatabaseConfig) (*engine.TargetSource, error)
	CreateApprovalRequest(ctx context.Context, id string, inputs []engine.ResourceInput) (*engine.ApprovalRequest, error)
	Approve(ctx context.Context, id string) (*engine.TargetSource, error)
	Reject(ctx context.Context, id, reason string) (*engine.TargetSource, error)
	Cancel(ctx context.Context, id string) (*engine.TargetSource, error)
	RunScan(ctx context.Context, id string, force bool) (*engine.ScanJob, error)
	ScanStatus(ctx context.Context, id string) (*engine.ScanStatusView, error)
	ScanHistory(ctx context.Context, id string, limit, offset int) ([]*engine.ScanJob, int, error)
	AwaitScan(ctx context.Context, id string, timeout time.Duration) (*engine.ScanJob, error)
	CheckInstallation(ctx context.Context, id string) (*engine.InstallationStatusView, error)
	InstallationStatus(ctx context.Context, id string) (*engine.InstallationStatusView, error)
	TestConnection(ctx context.Context, id string, credentials []engine.ResourceCredential) (*engine.ConnectionTestResult, error)
	ConfirmCompletion(ctx context.Context, id string) (*engine.TargetSource, error)
	ProcessStatus(ctx context.Context, id string) (*engine.ProcessStatusView, error)
	History(ctx context.Context, id string, q engine.HistoryQuery) (*engine.HistoryPage, error)
}

var _ Service = (*engine.Orchestrator)(nil)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// Telemetry defaults to a no-op instance.
	Telemetry *telemetry.Telemetry

	// Health is probed by /healthz when set.
	Health HealthChecker
}

// Server serves the orchestrator API.
type Server struct {
	svc    Service
	tel    *telemetry.Telemetry
	health HealthChecker
	router *gin.Engine
	http   *http.Server
}

// NewServer builds the router around svc.
func NewServer(svc Service, opts Options) *Server {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}

	s := &Server{
		svc:    svc,
		tel:    opts.Telemetry,
		health: opts.Health,
		router: gin.New(),
	}
	s.router.HandleMethodNotAllowed = true
	s.router.Use(RequestID(), Recover(), Instrument(s.tel), Identify())
	s.router.NoRoute(notFoundRoute)
	s.router.NoMethod(methodNotAllowed)
	s.routes()

	s.http = &http.Server{
		Addr:              opts.ListenAddress,
		Handler:           s.router,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(s.tel.Metrics.Handler()))

	v1 := s.router.Group("/api/v1")
	ts := v1.Group("/target-sources")
	{
		ts.POST("", s.registerTargetSource)
		ts.GET("", s.listTargetSources)
		ts.GET("/:id", s.getTargetSource)
		ts.POST("/:id/confirm-targets", s.confirmTargets)

		ts.POST("/:id/approval-requests", s.createApprovalRequest)
		ts.POST("/:id/approval-requests/approve", s.approve)
		ts.POST("/:id/approval-requests/reject", s.reject)
		ts.POST("/:id/approval-requests/cancel", s.cancel)

		ts.POST("/:id/scan", s.runScan)
		ts.GET("/:id/scan", s.scanStatus)
		ts.GET("/:id/scan/history", s.scanHistory)
		ts.GET("/:id/scan/await", s.awaitScan)

		ts.POST("/:id/installation/check", s.checkInstallation)
		ts.GET("/:id/installation", s.installationStatus)
		ts.PUT("/:id/installation/plan", s.updateInstallationPlan)

		ts.POST("/:id/connection-test", s.testConnection)
		ts.POST("/:id/complete", s.confirmCompletion)
		ts.GET("/:id/process-status", s.processStatus)
		ts.GET("/:id/history", s.history)
	}
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.tel.Logger.Infof("API listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
