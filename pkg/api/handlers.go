package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/piiagent/integrator/pkg/engine"
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 5 * time.Minute
)

// RegisterTargetSourceRequest is the body of POST /target-sources. Plan is
// the provider-specific installation plan and defaults when omitted.
type RegisterTargetSourceRequest struct {
	Name          string                      `json:"name"`
	ServiceCode   string                      `json:"service_code"`
	CloudProvider string                      `json:"cloud_provider"`
	Plan          json.RawMessage             `json:"plan,omitempty"`
	Resources     []engine.DiscoveredResource `json:"resources,omitempty"`
}

// ConfirmTargetsRequest is the body of POST /target-sources/:id/confirm-targets.
type ConfirmTargetsRequest struct {
	SelectedResourceIDs []string                            `json:"selected_resource_ids"`
	VMConfigs           map[string]*engine.VMDatabaseConfig `json:"vm_configs,omitempty"`
}

// ApprovalRequestBody is the body of POST /target-sources/:id/approval-requests.
type ApprovalRequestBody struct {
	ResourceInputs []engine.ResourceInput `json:"resource_inputs"`
}

// RejectRequest is the body of POST /target-sources/:id/approval-requests/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// RunScanRequest is the optional body of POST /target-sources/:id/scan.
type RunScanRequest struct {
	Force bool `json:"force"`
}

// ConnectionTestRequest is the body of POST /target-sources/:id/connection-test.
type ConnectionTestRequest struct {
	Credentials []engine.ResourceCredential `json:"credentials,omitempty"`
}

// TargetSourceList is the response of GET /target-sources.
type TargetSourceList struct {
	TargetSources []*engine.TargetSource `json:"target_sources"`
	Count         int                    `json:"count"`
}

// ScanHistoryResponse is the response of GET /target-sources/:id/scan/history.
type ScanHistoryResponse struct {
	Scans []*engine.ScanJob `json:"scans"`
	Total int               `json:"total"`
}

// HistoryResponse is the response of GET /target-sources/:id/history.
// NextCursor is passed back as the before parameter to fetch the next page.
type HistoryResponse struct {
	Entries    []*engine.HistoryEntry `json:"entries"`
	Total      int                    `json:"total"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

func (s *Server) registerTargetSource(c *gin.Context) {
	var body RegisterTargetSourceRequest
	if err := bindJSON(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	provider, err := engine.ParseCloudProvider(body.CloudProvider)
	if err != nil {
		abortWithError(c, badRequest("%v", err))
		return
	}

	req := engine.RegisterRequest{
		Name:          body.Name,
		ServiceCode:   body.ServiceCode,
		CloudProvider: provider,
		Resources:     body.Resources,
	}
	if len(body.Plan) > 0 {
		plan, err := engine.DecodePlan(provider, body.Plan)
		if err != nil {
			abortWithError(c, badRequest("invalid installation plan: %v", err))
			return
		}
		req.Plan = plan
	}

	ts, err := s.svc.RegisterTargetSource(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ts)
}

func (s *Server) listTargetSources(c *gin.Context) {
	filter := engine.TargetSourceFilter{ServiceCode: c.Query("service_code")}
	if raw := c.Query("cloud_provider"); raw != "" {
		p, err := engine.ParseCloudProvider(raw)
		if err != nil {
			abortWithError(c, badRequest("%v", err))
			return
		}
		filter.CloudProvider = p
	}
	var err error
	if filter.Limit, err = intQuery(c, "limit"); err != nil {
		abortWithError(c, err)
		return
	}
	if filter.Offset, err = intQuery(c, "offset"); err != nil {
		abortWithError(c, err)
		return
	}

	list, err := s.svc.ListTargetSources(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if list == nil {
		list = []*engine.TargetSource{}
	}
	c.JSON(http.StatusOK, TargetSourceList{TargetSources: list, Count: len(list)})
}

func (s *Server) getTargetSource(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.GetTargetSource(c.Request.Context(), c.Param("id")))
}

func (s *Server) confirmTargets(c *gin.Context) {
	var body ConfirmTargetsRequest
	if err := bindJSON(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, http.StatusOK)(s.svc.ConfirmTargets(c.Request.Context(), c.Param("id"), body.SelectedResourceIDs, body.VMConfigs))
}

func (s *Server) createApprovalRequest(c *gin.Context) {
	var body ApprovalRequestBody
	if err := bindJSON(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, http.StatusCreated)(s.svc.CreateApprovalRequest(c.Request.Context(), c.Param("id"), body.ResourceInputs))
}

func (s *Server) approve(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.Approve(c.Request.Context(), c.Param("id")))
}

func (s *Server) reject(c *gin.Context) {
	var body RejectRequest
	if err := bindJSON(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, http.StatusOK)(s.svc.Reject(c.Request.Context(), c.Param("id"), body.Reason))
}

func (s *Server) cancel(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.Cancel(c.Request.Context(), c.Param("id")))
}

func (s *Server) runScan(c *gin.Context) {
	var body RunScanRequest
	if err := bindJSON(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	if raw := c.Query("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, badRequest("force must be a boolean"))
			return
		}
		body.Force = force
	}
	respond(c, http.StatusAccepted)(s.svc.RunScan(c.Request.Context(), c.Param("id"), body.Force))
}

func (s *Server) scanStatus(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.ScanStatus(c.Request.Context(), c.Param("id")))
}

func (s *Server) scanHistory(c *gin.Context) {
	limit, err := intQuery(c, "limit")
	if err != nil {
		abortWithError(c, err)
		return
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		abortWithError(c, err)
		return
	}

	jobs, total, err := s.svc.ScanHistory(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*engine.ScanJob{}
	}
	c.JSON(http.StatusOK, ScanHistoryResponse{Scans: jobs, Total: total})
}

func (s *Server) awaitScan(c *gin.Context) {
	timeout := defaultAwaitTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			abortWithError(c, badRequest("timeout must be a positive duration"))
			return
		}
		timeout = min(d, maxAwaitTimeout)
	}
	respond(c, http.StatusOK)(s.svc.AwaitScan(c.Request.Context(), c.Param("id"), timeout))
}

func (s *Server) checkInstallation(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.CheckInstallation(c.Request.Context(), c.Param("id")))
}

func (s *Server) installationStatus(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.InstallationStatus(c.Request.Context(), c.Param("id")))
}

// updateInstallationPlan takes the provider-specific plan as the body.
func (s *Server) updateInstallationPlan(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	ts, err := s.svc.GetTargetSource(ctx, id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		abortWithError(c, badRequest("failed to read body: %v", err))
		return
	}
	plan, err := engine.DecodePlan(ts.CloudProvider, raw)
	if err != nil {
		abortWithError(c, badRequest("invalid installation plan: %v", err))
		return
	}
	respond(c, http.StatusOK)(s.svc.UpdateInstallationPlan(ctx, id, plan))
}

func (s *Server) testConnection(c *gin.Context) {
	var body ConnectionTestRequest
	if err := bindJSON(c, &body); err != nil {
		abortWithError(c, err)
		return
	}
	respond(c, http.StatusOK)(s.svc.TestConnection(c.Request.Context(), c.Param("id"), body.Credentials))
}

func (s *Server) confirmCompletion(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.ConfirmCompletion(c.Request.Context(), c.Param("id")))
}

func (s *Server) processStatus(c *gin.Context) {
	respond(c, http.StatusOK)(s.svc.ProcessStatus(c.Request.Context(), c.Param("id")))
}

func (s *Server) history(c *gin.Context) {
	q := engine.HistoryQuery{Type: engine.HistoryType(c.Query("type"))}
	var err error
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		abortWithError(c, err)
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		abortWithError(c, err)
		return
	}
	if raw := c.Query("before"); raw != "" {
		if q.Before, err = DecodeCursor(raw); err != nil {
			abortWithError(c, err)
			return
		}
	}

	page, err := s.svc.History(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := HistoryResponse{Entries: page.Entries, Total: page.Total}
	if resp.Entries == nil {
		resp.Entries = []*engine.HistoryEntry{}
	}
	if page.NextCursor != nil {
		resp.NextCursor = EncodeCursor(page.NextCursor)
	}
	c.JSON(http.StatusOK, resp)
}

// respond renders the result of a single-value operation.
func respond(c *gin.Context, status int) func(interface{}, error) {
	return func(v interface{}, err error) {
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(status, v)
	}
}

// intQuery parses an optional non-negative integer parameter. Absent means 0.
func intQuery(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}

// EncodeCursor renders a history cursor as an opaque URL-safe token.
func EncodeCursor(cur *engine.HistoryCursor) string {
	data, _ := json.Marshal(cur)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (*engine.HistoryCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, badRequest("malformed history cursor")
	}
	var cur engine.HistoryCursor
	if err := json.Unmarshal(data, &cur); err != nil || cur.ID == "" || cur.Timestamp.IsZero() {
		return nil, badRequest("malformed history cursor")
	}
	return &cur, nil
}
