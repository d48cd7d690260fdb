package workflow

import (
	"fmt"

	"steward/internal/domain"
)

// Gate declares a suspension point on a step. The executor parks the
// instance before invoking the step's tool and only proceeds once the gate is
// satisfied.
type Gate struct {
	Kind domain.GateKind

	// owner_approval
	Title          string
	Recommendation string

	// schedule_wait: either a relative delay from the checkpoint, or a
	// subject-context key holding an RFC3339 wake time.
	DelayMs   int64
	WakeAtKey string
}

// Compensation names the tool that undoes a step's side effect.
type Compensation struct {
	Tool         string
	StaticParams map[string]any
}

// Step is one ordered unit of a definition.
type Step struct {
	Tool         string
	Source       domain.ParamSource
	StaticParams map[string]any
	ContextKeys  []string
	Optional     bool
	PerItem      bool
	ItemsKey     string
	Gate         *Gate
	Compensate   *Compensation
}

// Definition is a declarative saga: ordered steps, bounds, and resume policy.
type Definition struct {
	Name           string
	Title          string
	MaxDurationMs  int64
	ResumeWindowMs int64
	Steps          []Step
}

func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %s has no steps", d.Name)
	}
	for i, s := range d.Steps {
		if s.Tool == "" {
			return fmt.Errorf("definition %s step %d: tool required", d.Name, i)
		}
		if s.Source == "" {
			return fmt.Errorf("definition %s step %d: param source required", d.Name, i)
		}
		if s.Source == domain.ParamsFromPrevious && i == 0 {
			return fmt.Errorf("definition %s step 0 cannot use from_previous", d.Name)
		}
		if s.PerItem && s.ItemsKey == "" {
			return fmt.Errorf("definition %s step %d: perItem requires itemsKey", d.Name, i)
		}
		if s.Gate != nil {
			switch s.Gate.Kind {
			case domain.GateOwnerApproval, domain.GateWebhookWait:
			case domain.GateScheduleWait:
				if s.Gate.DelayMs <= 0 && s.Gate.WakeAtKey == "" {
					return fmt.Errorf("definition %s step %d: schedule_wait needs delayMs or wakeAtKey", d.Name, i)
				}
			default:
				return fmt.Errorf("definition %s step %d: unknown gate %s", d.Name, i, s.Gate.Kind)
			}
		}
	}
	return nil
}

const (
	day  = int64(24 * 60 * 60 * 1000)
	hour = int64(60 * 60 * 1000)
)

// Builtin returns the five shipped definitions keyed by name.
func Builtin() map[string]Definition {
	defs := []Definition{
		findTenant(),
		tenantOnboarding(),
		endTenancy(),
		maintenanceLifecycle(),
		arrearsEscalation(),
	}
	out := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			panic(err)
		}
		out[d.Name] = d
	}
	return out
}

// findTenant markets a vacant property: draft and publish a listing, collect
// and screen applications, shortlist for the owner.
func findTenant() Definition {
	return Definition{
		Name:           "workflow_find_tenant",
		Title:          "Find a tenant",
		MaxDurationMs:  60 * day,
		ResumeWindowMs: 14 * day,
		Steps: []Step{
			{Tool: "fetch_property_details", Source: domain.ParamsFromContext, ContextKeys: []string{"property_id"}},
			{Tool: "generate_listing_copy", Source: domain.ParamsFromPrevious},
			{
				Tool: "publish_listing", Source: domain.ParamsFromPrevious,
				Gate:       &Gate{Kind: domain.GateOwnerApproval, Title: "Publish listing", Recommendation: "Listing copy is ready for the portals."},
				Compensate: &Compensation{Tool: "remove_listing"},
			},
			{
				Tool: "collect_applications", Source: domain.ParamsFromPrevious,
				Gate: &Gate{Kind: domain.GateWebhookWait},
			},
			{
				Tool: "screen_applicant", Source: domain.ParamsFromPrevious,
				PerItem: true, ItemsKey: "applications",
			},
			{Tool: "shortlist_applicants", Source: domain.ParamsFromPrevious},
			{Tool: "notify_owner", Source: domain.ParamsFromPrevious, Optional: true},
		},
	}
}

// tenantOnboarding signs up a chosen applicant through agreement, deposit and
// move-in.
func tenantOnboarding() Definition {
	return Definition{
		Name:           "workflow_tenant_onboarding",
		Title:          "Tenant onboarding",
		MaxDurationMs:  30 * day,
		ResumeWindowMs: 7 * day,
		Steps: []Step{
			{Tool: "generate_tenancy_agreement", Source: domain.ParamsFromContext, ContextKeys: []string{"property_id", "applicant_id", "terms"}},
			{
				Tool: "send_agreement_for_signature", Source: domain.ParamsFromPrevious,
				Gate:       &Gate{Kind: domain.GateOwnerApproval, Title: "Send tenancy agreement", Recommendation: "Agreement drafted from the agreed terms."},
				Compensate: &Compensation{Tool: "void_agreement"},
			},
			{
				Tool: "record_signature", Source: domain.ParamsFromPrevious,
				Gate: &Gate{Kind: domain.GateWebhookWait},
			},
			{
				Tool: "collect_deposit", Source: domain.ParamsFromContext, ContextKeys: []string{"applicant_id", "deposit_amount"},
				Compensate: &Compensation{Tool: "refund_deposit"},
			},
			{
				Tool: "register_deposit", Source: domain.ParamsFromPrevious,
				Compensate: &Compensation{Tool: "refund_deposit"},
			},
			{Tool: "schedule_move_in_inspection", Source: domain.ParamsFromContext, ContextKeys: []string{"property_id"}, Optional: true},
			{Tool: "send_welcome_pack", Source: domain.ParamsFromContext, ContextKeys: []string{"applicant_id"}, Optional: true},
		},
	}
}

// endTenancy winds a tenancy down: notice, checkout inspection after the
// notice period, deposit settlement.
func endTenancy() Definition {
	return Definition{
		Name:           "workflow_end_tenancy",
		Title:          "End tenancy",
		MaxDurationMs:  90 * day,
		ResumeWindowMs: 30 * day,
		Steps: []Step{
			{
				Tool: "serve_notice", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id", "notice_reason"},
				Gate: &Gate{Kind: domain.GateOwnerApproval, Title: "Serve notice", Recommendation: "Formal notice requires explicit sign-off."},
			},
			{Tool: "schedule_checkout_inspection", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id", "checkout_date"}},
			{
				Tool: "compare_inventory", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id"},
				Gate: &Gate{Kind: domain.GateScheduleWait, WakeAtKey: "checkout_date"},
			},
			{Tool: "propose_deductions", Source: domain.ParamsFromPrevious},
			{
				Tool: "release_deposit", Source: domain.ParamsFromPrevious,
				Gate:       &Gate{Kind: domain.GateOwnerApproval, Title: "Release deposit", Recommendation: "Proposed deductions are attached."},
				Compensate: &Compensation{Tool: "hold_deposit"},
			},
			{Tool: "close_tenancy", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id"}},
		},
	}
}

// maintenanceLifecycle runs a repair from triage to tenant feedback.
func maintenanceLifecycle() Definition {
	return Definition{
		Name:           "workflow_maintenance_lifecycle",
		Title:          "Maintenance lifecycle",
		MaxDurationMs:  21 * day,
		ResumeWindowMs: 7 * day,
		Steps: []Step{
			{Tool: "triage_request", Source: domain.ParamsFromContext, ContextKeys: []string{"request_id", "description"}},
			{
				Tool: "request_quotes", Source: domain.ParamsFromPrevious,
				PerItem: true, ItemsKey: "contractors",
			},
			{
				Tool: "create_work_order", Source: domain.ParamsFromPrevious,
				Gate:       &Gate{Kind: domain.GateOwnerApproval, Title: "Approve work order", Recommendation: "Best quote selected from contractor responses."},
				Compensate: &Compensation{Tool: "update_maintenance_status", StaticParams: map[string]any{"status": "cancelled"}},
			},
			{Tool: "schedule_contractor", Source: domain.ParamsFromPrevious},
			{
				Tool: "confirm_completion", Source: domain.ParamsFromPrevious,
				Gate: &Gate{Kind: domain.GateWebhookWait},
			},
			{Tool: "collect_feedback", Source: domain.ParamsFromContext, ContextKeys: []string{"request_id"}, Optional: true},
			{Tool: "update_maintenance_status", Source: domain.ParamsFromContext, ContextKeys: []string{"request_id"}, StaticParams: map[string]any{"status": "completed"}},
		},
	}
}

// arrearsEscalation chases missed rent with a reminder, a grace period, and a
// human hand-off at the end.
func arrearsEscalation() Definition {
	return Definition{
		Name:           "workflow_arrears_escalation",
		Title:          "Arrears escalation",
		MaxDurationMs:  45 * day,
		ResumeWindowMs: 14 * day,
		Steps: []Step{
			{Tool: "check_balance", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id"}},
			{Tool: "send_payment_reminder", Source: domain.ParamsFromPrevious},
			{
				Tool: "recheck_balance", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id"},
				Gate: &Gate{Kind: domain.GateScheduleWait, DelayMs: 7 * day},
			},
			{
				Tool: "send_formal_notice", Source: domain.ParamsFromPrevious,
				Gate: &Gate{Kind: domain.GateOwnerApproval, Title: "Send formal arrears notice", Recommendation: "Balance unpaid after the grace period."},
			},
			{
				Tool: "escalate_to_agent", Source: domain.ParamsFromContext, ContextKeys: []string{"tenancy_id"},
				Gate: &Gate{Kind: domain.GateOwnerApproval, Title: "Escalate to letting agent", Recommendation: "Escalation hands the case to a human agent."},
			},
		},
	}
}
