package billing

import (
	"context"
	"fmt"

	"github.com/ghiac/agentdesk/config"
	"github.com/ghiac/agentdesk/model"
)

// PlanLookup resolves the plan a client is subscribed to
type PlanLookup interface {
	Get(ctx context.Context, planName string) (*model.Plan, error)
	PlanFor(ctx context.Context, clientID string) (*model.Plan, error)
}

// CatalogPlans serves plans from the YAML catalog
type CatalogPlans struct {
	catalog *config.Catalog

	// fallback is used for clients missing from the catalog; empty rejects them
	fallback string
}

// NewCatalogPlans creates a plan lookup. Clients not listed in the catalog get
// the fallback plan, or a not-found error when fallback is empty.
func NewCatalogPlans(catalog *config.Catalog, fallback string) (*CatalogPlans, error) {
	if catalog == nil {
		catalog = &config.Catalog{}
	}
	if fallback != "" {
		if _, ok := catalog.Plan(fallback); !ok {
			return nil, fmt.Errorf("fallback plan %q is not in the catalog", fallback)
		}
	}
	return &CatalogPlans{catalog: catalog, fallback: fallback}, nil
}

// Get returns a plan by name
func (p *CatalogPlans) Get(_ context.Context, planName string) (*model.Plan, error) {
	plan, ok := p.catalog.Plan(planName)
	if !ok {
		return nil, model.E(model.KindNotFound, "billing.plan", fmt.Errorf("plan %s: %w", planName, model.ErrNotFound))
	}
	return plan, nil
}

// PlanFor returns the plan of a client
func (p *CatalogPlans) PlanFor(ctx context.Context, clientID string) (*model.Plan, error) {
	if client, ok := p.catalog.Client(clientID); ok {
		return p.Get(ctx, client.Plan)
	}
	if p.fallback != "" {
		return p.Get(ctx, p.fallback)
	}
	return nil, model.E(model.KindNotFound, "billing.plan", fmt.Errorf("client %s: %w", clientID, model.ErrNotFound))
}
