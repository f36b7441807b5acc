package providers

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/piiagent/integrator/pkg/engine"
	"github.com/piiagent/integrator/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Provider result codes.
const (
	CodeRoleNotAssumable  = "ROLE_NOT_ASSUMABLE"
	CodeFirewallClosed    = "FIREWALL_CLOSED"
	CodeUploadPending     = "UPLOAD_PENDING"
	CodeApplyFailed       = "APPLY_FAILED"
	CodeConnectionRefused = "CONNECTION_REFUSED"
	CodeCredentialMissing = "CREDENTIAL_MISSING"
	CodeEndpointMissing   = "ENDPOINT_MISSING"
)

// FaultService targets the service-level apply call of InjectFault.
const FaultService = "service"

// FaultPrerequisite targets VerifyPrerequisite in InjectFault.
const FaultPrerequisite = "prerequisite"

var roleARN = regexp.MustCompile(`^arn:aws:iam::[0-9]{12}:role/[\w+=,.@/-]+$`)

// Simulated is the connector of one provider.
type Simulated struct {
	provider engine.CloudProvider
	catalog  []engine.DiscoveredResource
	latency  time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu     sync.Mutex
	faults map[string]string
}

var _ engine.Connector = (*Simulated)(nil)

// NewSimulated creates the connector of provider.
func NewSimulated(provider engine.CloudProvider, catalog []engine.DiscoveredResource, latency time.Duration, clock clockwork.Clock, logger zerolog.Logger) *Simulated {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Simulated{
		provider: provider,
		catalog:  append([]engine.DiscoveredResource(nil), catalog...),
		latency:  latency,
		clock:    clock,
		logger:   logger.With().Str("component", "connector").Str("provider", string(provider)).Logger(),
		faults:   make(map[string]string),
	}
}

// Provider returns the provider this connector serves.
func (s *Simulated) Provider() engine.CloudProvider {
	return s.provider
}

// InjectFault makes calls targeting target fail with code. target is a
// resource's external ID, FaultService or FaultPrerequisite.
func (s *Simulated) InjectFault(target, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[target] = code
}

// ClearFaults removes every injected fault.
func (s *Simulated) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]string)
}

func (s *Simulated) fault(target string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.faults[target]
	return code, ok
}

// wait simulates provider latency.
func (s *Simulated) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(s.latency):
		return nil
	}
}

// call runs fn as a recorded provider operation.
func (s *Simulated) call(ctx context.Context, operation string, fn func() (*engine.ConnectorResult, error)) (*engine.ConnectorResult, error) {
	var res *engine.ConnectorResult
	err := telemetry.RecordProviderOperation(ctx, string(s.provider), operation, func(ctx context.Context) error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		var err error
		res, err = fn()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.provider, operation, err)
	}
	if !res.Success {
		s.logger.Warn().Str("operation", operation).Str("code", res.Code).Msg(res.Message)
	}
	return res, nil
}

// Discover implements engine.Connector.
func (s *Simulated) Discover(ctx context.Context, ts *engine.TargetSource) ([]engine.DiscoveredResource, error) {
	var out []engine.DiscoveredResource
	err := telemetry.RecordProviderOperation(ctx, string(s.provider), "discover", func(ctx context.Context) error {
		if err := s.wait(ctx); err != nil {
			return err
		}
		if code, ok := s.fault(FaultService); ok {
			return fmt.Errorf("discovery failed: %s", code)
		}
		out = append([]engine.DiscoveredResource(nil), s.catalog...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s discover: %w", s.provider, err)
	}
	s.logger.Debug().Str("target_source_id", ts.ID).Int("found", len(out)).Msg("Discovery completed")
	return out, nil
}

// VerifyPrerequisite implements engine.Connector.
func (s *Simulated) VerifyPrerequisite(ctx context.Context, ts *engine.TargetSource) (*engine.ConnectorResult, error) {
	return s.call(ctx, "verify_prerequisite", func() (*engine.ConnectorResult, error) {
		if code, ok := s.fault(FaultPrerequisite); ok {
			return failed(code, "prerequisite verification failed", nil), nil
		}
		return verifyPlan(ts.Plan), nil
	})
}

func verifyPlan(plan engine.InstallationPlan) *engine.ConnectorResult {
	switch p := plan.(type) {
	case engine.AWSPlan:
		if !roleARN.MatchString(p.ExecutionRoleARN) {
			return failed(CodeRoleNotAssumable, fmt.Sprintf("execution role %q cannot be assumed", p.ExecutionRoleARN), &engine.Guide{
				Title: "Fix the execution role",
				Steps: []string{
					"Run the installer stack in the target account",
					"Register the role ARN in the form arn:aws:iam::<account>:role/<name>",
				},
			})
		}
	case engine.IDCPlan:
		for _, src := range p.SourceIPs {
			if net.ParseIP(src) == nil {
				if _, _, err := net.ParseCIDR(src); err != nil {
					return failed(CodeFirewallClosed, fmt.Sprintf("source %q is not an address or CIDR", src), &engine.Guide{
						Title: "Correct the firewall sources",
						Steps: []string{"Register scanner sources as IP addresses or CIDR blocks"},
					})
				}
			}
		}
	case engine.SDUPlan:
		if !p.UploadConfirmed {
			return failed(CodeUploadPending, "the upload has not been confirmed", &engine.Guide{
				Title: "Confirm the upload",
				Steps: []string{"Upload the data set to " + p.UploadBucket, "Confirm the upload on the installation plan"},
			})
		}
	}
	return engine.Succeeded()
}

// ApplyInfrastructure implements engine.Connector.
func (s *Simulated) ApplyInfrastructure(ctx context.Context, req engine.ApplyRequest) (*engine.ConnectorResult, error) {
	return s.call(ctx, "apply_"+string(req.Scope), func() (*engine.ConnectorResult, error) {
		target := FaultService
		if req.Scope == engine.ApplyScopeResource && req.Resource != nil {
			target = req.Resource.ResourceID
		}
		if code, ok := s.fault(target); ok {
			return failed(code, fmt.Sprintf("provisioning %s failed", target), nil), nil
		}
		return engine.Succeeded(), nil
	})
}

// TestConnection implements engine.Connector.
func (s *Simulated) TestConnection(ctx context.Context, ts *engine.TargetSource, r *engine.Resource, credentialID string) (*engine.ConnectorResult, error) {
	return s.call(ctx, "test_connection", func() (*engine.ConnectorResult, error) {
		if code, ok := s.fault(r.ResourceID); ok {
			return failed(code, fmt.Sprintf("agent cannot reach %s", r.ResourceID), nil), nil
		}
		if r.Type.RequiresCredential() && credentialID == "" {
			return failed(CodeCredentialMissing, fmt.Sprintf("%s requires a database credential", r.ResourceID), &engine.Guide{
				Title: "Select a credential",
				Steps: []string{"Register a database credential", "Select it for the resource and retry the test"},
			}), nil
		}
		if r.Type.IsVM() && r.VMDatabaseConfig == nil {
			return failed(CodeEndpointMissing, fmt.Sprintf("%s has no database endpoint", r.ResourceID), nil), nil
		}
		return engine.Succeeded(), nil
	})
}

func failed(code, message string, guide *engine.Guide) *engine.ConnectorResult {
	return &engine.ConnectorResult{Code: code, Message: message, Guide: guide}
}
