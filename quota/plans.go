package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Cycle identifies a billing period, formatted "2006-01" in UTC.
type Cycle string

// CycleOf returns the billing month containing t.
func CycleOf(t time.Time) Cycle {
	return Cycle(t.UTC().Format("2006-01"))
}

// Plan is the allowance and scheduling priority of a tenant.
type Plan struct {
	Tier          string `json:"tier"`
	WordAllowance int64  `json:"word_allowance"`
	CharAllowance int64  `json:"char_allowance"`
	Unlimited     bool   `json:"unlimited"`
	// Priority orders queued work; higher runs first.
	Priority int `json:"priority"`
}

// PlanSource is the read-only source of truth for plan limits.
type PlanSource interface {
	PlanLimits(ctx context.Context, tenantID string) (Plan, error)
}

// PlanSourceFunc adapts a function to PlanSource.
type PlanSourceFunc func(ctx context.Context, tenantID string) (Plan, error)

func (f PlanSourceFunc) PlanLimits(ctx context.Context, tenantID string) (Plan, error) {
	return f(ctx, tenantID)
}

// Tier is one entry of the plan table in the config file.
type Tier struct {
	Name          string `yaml:"name"`
	WordAllowance int64  `yaml:"word_allowance"`
	CharAllowance int64  `yaml:"char_allowance"`
	Unlimited     bool   `yaml:"unlimited"`
	Priority      int    `yaml:"priority"`
}

// PlansConfig is the plan section of the config file.
type PlansConfig struct {
	DefaultTier string            `yaml:"default_tier"`
	Tiers       []Tier            `yaml:"tiers"`
	Tenants     map[string]string `yaml:"tenants"`
}

// DefaultPlans has a free tier and a paid tier that is scheduled ahead of it.
func DefaultPlans() PlansConfig {
	return PlansConfig{
		DefaultTier: "free",
		Tiers: []Tier{
			{Name: "free", WordAllowance: 10_000, CharAllowance: 60_000, Priority: 0},
			{Name: "pro", WordAllowance: 500_000, CharAllowance: 3_000_000, Priority: 10},
			{Name: "school", Unlimited: true, Priority: 20},
		},
	}
}

// StaticPlans resolves tenants against a fixed plan table.
type StaticPlans struct {
	tiers   map[string]Tier
	tenants map[string]string
	def     string
}

// NewStaticPlans validates cfg and indexes its tiers.
func NewStaticPlans(cfg PlansConfig) (*StaticPlans, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("quota: no plan tiers configured")
	}
	sp := &StaticPlans{tiers: make(map[string]Tier, len(cfg.Tiers)), tenants: cfg.Tenants, def: cfg.DefaultTier}
	for _, t := range cfg.Tiers {
		if t.Name == "" {
			return nil, errors.New("quota: tier without a name")
		}
		if _, dup := sp.tiers[t.Name]; dup {
			return nil, fmt.Errorf("quota: duplicate tier %q", t.Name)
		}
		if !t.Unlimited && (t.WordAllowance < 0 || t.CharAllowance < 0) {
			return nil, fmt.Errorf("quota: tier %q has a negative allowance", t.Name)
		}
		sp.tiers[t.Name] = t
	}
	if _, ok := sp.tiers[sp.def]; !ok {
		return nil, fmt.Errorf("quota: default tier %q is not defined", sp.def)
	}
	for tenant, tier := range sp.tenants {
		if _, ok := sp.tiers[tier]; !ok {
			return nil, fmt.Errorf("quota: tenant %q mapped to unknown tier %q", tenant, tier)
		}
	}
	return sp, nil
}

// PlanLimits implements PlanSource. Unmapped tenants get the default tier.
func (s *StaticPlans) PlanLimits(_ context.Context, tenantID string) (Plan, error) {
	name, ok := s.tenants[tenantID]
	if !ok {
		name = s.def
	}
	t := s.tiers[name]
	return Plan{
		Tier:          t.Name,
		WordAllowance: t.WordAllowance,
		CharAllowance: t.CharAllowance,
		Unlimited:     t.Unlimited,
		Priority:      t.Priority,
	}, nil
}
