package engine

import (
	"context"
	"fmt"
	"sort"
)

// DefaultPreVettedTypes lists the resource types whose provider posture is
// pre-vetted for automatic approval.
var DefaultPreVettedTypes = map[CloudProvider][]ResourceType{
	ProviderAWS:   {ResourceRDS, ResourceRDSCluster, ResourceDynamoDB, ResourceAthena},
	ProviderAzure: {ResourceAzureSQL, ResourceAzurePostgre, ResourceAzureMySQL},
	ProviderGCP:   {ResourceCloudSQL, ResourceBigQuery},
}

// DefaultAutoApprovalPolicy approves a confirmation when every newly selected
// resource is of a pre-vetted type, is not VM-hosted and either needs no
// credential or has one supplied.
type DefaultAutoApprovalPolicy struct {
	// PreVetted overrides DefaultPreVettedTypes when set.
	PreVetted map[CloudProvider][]ResourceType
}

// NewDefaultAutoApprovalPolicy creates the default policy.
func NewDefaultAutoApprovalPolicy(preVetted map[CloudProvider][]ResourceType) *DefaultAutoApprovalPolicy {
	return &DefaultAutoApprovalPolicy{PreVetted: preVetted}
}

// Evaluate implements AutoApprovalPolicy.
func (p *DefaultAutoApprovalPolicy) Evaluate(_ context.Context, input AutoApprovalInput) AutoApprovalResult {
	vetted := p.PreVetted
	if vetted == nil {
		vetted = DefaultPreVettedTypes
	}
	allowed := make(map[ResourceType]bool)
	for _, t := range vetted[input.Provider] {
		allowed[t] = true
	}

	var reasons []string
	for _, r := range input.Resources {
		if !r.Selected || r.Active {
			continue
		}
		switch {
		case r.VM:
			reasons = append(reasons, fmt.Sprintf("%s is VM-hosted", r.ResourceID))
		case !allowed[r.Type]:
			reasons = append(reasons, fmt.Sprintf("%s has type %s which is not pre-vetted for %s", r.ResourceID, r.Type, input.Provider))
		case r.RequiresCredential && !r.HasCredential:
			reasons = append(reasons, fmt.Sprintf("%s requires a credential", r.ResourceID))
		}
	}

	return AutoApprovalResult{
		ShouldAutoApprove: len(reasons) == 0,
		Reasons:           reasons,
		Policy:            "default",
	}
}

// ManualApprovalPolicy never auto-approves.
type ManualApprovalPolicy struct{}

// Evaluate implements AutoApprovalPolicy.
func (ManualApprovalPolicy) Evaluate(context.Context, AutoApprovalInput) AutoApprovalResult {
	return AutoApprovalResult{Reasons: []string{"manual approval required"}, Policy: "manual"}
}

// BuildAutoApprovalInput describes the resource set that results from applying
// inputs to ts. Resources are ordered by resource ID so the input is stable.
func BuildAutoApprovalInput(ts *TargetSource, inputs []ResourceInput) AutoApprovalInput {
	byID := make(map[string]ResourceInput, len(inputs))
	for _, in := range inputs {
		byID[in.ResourceID] = in
	}

	out := AutoApprovalInput{Provider: ts.CloudProvider}
	for _, r := range ts.Resources {
		in, ok := byID[r.ID]
		selected := r.IsSelected
		credential := r.SelectedCredentialID
		endpoint := r.VMDatabaseConfig != nil
		if ok {
			selected = in.Selected
			if in.CredentialID != "" {
				credential = in.CredentialID
			}
			if in.EndpointConfig != nil {
				endpoint = true
			}
		}
		out.Resources = append(out.Resources, AutoApprovalResource{
			ResourceID:         r.ID,
			Type:               r.Type,
			Selected:           selected || r.IsActive(),
			Active:             r.IsActive(),
			VM:                 r.Type.IsVM(),
			RequiresCredential: r.Type.RequiresCredential(),
			HasCredential:      credential != "",
			HasEndpoint:        endpoint,
		})
	}
	sort.Slice(out.Resources, func(i, j int) bool {
		return out.Resources[i].ResourceID < out.Resources[j].ResourceID
	})
	return out
}
