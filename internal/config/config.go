package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"steward/internal/domain"
)

// Config models steward.yml: the autonomy policy tables, graduation
// constants, tool catalog, and outbound webhooks. Loaded once and treated as
// read-only for the process lifetime.
type Config struct {
	Owner struct {
		ID string `yaml:"id"`
	} `yaml:"owner"`
	Autonomy struct {
		CategoryDefaults     map[string]string                `yaml:"category_defaults"`
		NeverAutoExecute     []string                         `yaml:"never_auto_execute"`
		GraduatedAutoExecute map[string]GraduatedAutoExecute  `yaml:"graduated_auto_execute"`
	} `yaml:"autonomy"`
	Graduation struct {
		DefaultThreshold   int                `yaml:"default_threshold"`
		CategoryThresholds map[string]int     `yaml:"category_thresholds"`
		BackoffFactor      float64            `yaml:"backoff_factor"`
		MaxMultiplier      float64            `yaml:"max_multiplier"`
	} `yaml:"graduation"`
	Tools struct {
		Catalog map[string]ToolSpec `yaml:"catalog"`
	} `yaml:"tools"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// GraduatedAutoExecute is a per-tool graduation threshold. Zero means the
// tool runs unattended as soon as its category graduates.
type GraduatedAutoExecute struct {
	RequiredApprovals int `yaml:"required_approvals"`
}

// ToolSpec is one tool catalog entry.
type ToolSpec struct {
	Category    string `yaml:"category"`
	Description string `yaml:"description"`
}

// WebhookConfig is one outbound notification target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// CategoryDefault returns the configured default level for a category.
// Unknown categories fall back to Draft: unclassified work never runs
// unattended.
func (c *Config) CategoryDefault(cat domain.ToolCategory) domain.AutonomyLevel {
	if lvl, ok := c.Autonomy.CategoryDefaults[string(cat)]; ok {
		return domain.AutonomyLevel(lvl)
	}
	return domain.LevelDraft
}

// NeverAuto reports whether the tool is in the never-auto-execute set.
func (c *Config) NeverAuto(toolName string) bool {
	for _, name := range c.Autonomy.NeverAutoExecute {
		if name == toolName {
			return true
		}
	}
	return false
}

// GraduatedThreshold returns the per-tool required-approvals count, if the
// tool is listed for graduated auto-execution.
func (c *Config) GraduatedThreshold(toolName string) (int, bool) {
	g, ok := c.Autonomy.GraduatedAutoExecute[toolName]
	if !ok {
		return 0, false
	}
	return g.RequiredApprovals, true
}

// CategoryThreshold returns the base graduation threshold for a category.
func (c *Config) CategoryThreshold(cat domain.ToolCategory) int {
	if n, ok := c.Graduation.CategoryThresholds[string(cat)]; ok && n > 0 {
		return n
	}
	if c.Graduation.DefaultThreshold > 0 {
		return c.Graduation.DefaultThreshold
	}
	return 3
}

// BackoffFactor is the multiplier applied to a record's backoff on every
// rejection or declined graduation.
func (c *Config) BackoffFactor() float64 {
	if c.Graduation.BackoffFactor > 1 {
		return c.Graduation.BackoffFactor
	}
	return 1.5
}

// MaxMultiplier caps backoff growth so a category can always re-graduate.
func (c *Config) MaxMultiplier() float64 {
	if c.Graduation.MaxMultiplier >= 1 {
		return c.Graduation.MaxMultiplier
	}
	return 8.0
}

// ToolCategory resolves a tool name through the catalog. Uncatalogued tools
// are treated as plain actions.
func (c *Config) ToolCategory(toolName string) domain.ToolCategory {
	if spec, ok := c.Tools.Catalog[toolName]; ok && spec.Category != "" {
		return domain.ToolCategory(spec.Category)
	}
	return domain.CategoryAction
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with steward config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Owner.ID == "" {
		return fmt.Errorf("config.owner.id is required")
	}
	if len(c.Autonomy.CategoryDefaults) == 0 {
		return fmt.Errorf("config.autonomy.category_defaults is required")
	}
	for cat, lvl := range c.Autonomy.CategoryDefaults {
		if !domain.ValidCategory(domain.ToolCategory(cat)) {
			return fmt.Errorf("category_defaults has unknown category %s", cat)
		}
		if !domain.ValidLevel(domain.AutonomyLevel(lvl)) {
			return fmt.Errorf("category %s has unknown autonomy level %s", cat, lvl)
		}
	}
	for _, name := range c.Autonomy.NeverAutoExecute {
		if name == "" {
			return fmt.Errorf("never_auto_execute contains an empty tool name")
		}
	}
	for name, g := range c.Autonomy.GraduatedAutoExecute {
		if name == "" {
			return fmt.Errorf("graduated_auto_execute contains an empty tool name")
		}
		if g.RequiredApprovals < 0 {
			return fmt.Errorf("graduated_auto_execute.%s.required_approvals must be >= 0", name)
		}
	}
	if c.Graduation.DefaultThreshold < 0 {
		return fmt.Errorf("graduation.default_threshold must be >= 0")
	}
	for cat, n := range c.Graduation.CategoryThresholds {
		if !domain.ValidCategory(domain.ToolCategory(cat)) {
			return fmt.Errorf("category_thresholds has unknown category %s", cat)
		}
		if n < 1 {
			return fmt.Errorf("category_thresholds.%s must be >= 1", cat)
		}
	}
	if f := c.Graduation.BackoffFactor; f != 0 && f <= 1 {
		return fmt.Errorf("graduation.backoff_factor must be > 1")
	}
	if m := c.Graduation.MaxMultiplier; m != 0 && m < 1 {
		return fmt.Errorf("graduation.max_multiplier must be >= 1")
	}
	for name, spec := range c.Tools.Catalog {
		if name == "" {
			return fmt.Errorf("tools.catalog contains an empty tool name")
		}
		if spec.Category != "" && !domain.ValidCategory(domain.ToolCategory(spec.Category)) {
			return fmt.Errorf("tool %s has unknown category %s", name, spec.Category)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// GenerateDefault returns default config YAML for an owner.
func GenerateDefault(ownerID string) string {
	return fmt.Sprintf(defaultTemplate, ownerID)
}

// Default returns the default Config struct for an owner.
func Default(ownerID string) *Config {
	var cfg Config
	cfg.Owner.ID = ownerID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, ownerID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `owner:
  id: %s

autonomy:
  category_defaults:
    query: autonomous
    memory: autonomous
    planning: autonomous
    generate: suggest
    action: draft
    integration: draft
    workflow: draft

  never_auto_execute:
    - collect_payment
    - release_deposit
    - serve_notice
    - escalate_to_agent

  graduated_auto_execute:
    send_message:
      required_approvals: 2
    publish_listing:
      required_approvals: 4
    create_work_order:
      required_approvals: 3
    send_payment_reminder:
      required_approvals: 2

graduation:
  default_threshold: 3
  category_thresholds:
    action: 2
    integration: 3
    workflow: 4
  backoff_factor: 1.5
  max_multiplier: 8.0

tools:
  catalog:
    fetch_property_details:
      category: query
      description: "Read property, tenancy and contact records"
    check_balance:
      category: query
      description: "Read a tenancy's rent ledger balance"
    recheck_balance:
      category: query
      description: "Re-read a ledger balance after a grace period"
    triage_request:
      category: planning
      description: "Classify a maintenance request by trade and urgency"
    shortlist_applicants:
      category: planning
      description: "Rank screened applicants for a listing"
    propose_deductions:
      category: planning
      description: "Draft deposit deductions from inspection findings"
    generate_listing_copy:
      category: generate
      description: "Write listing copy for a property"
    generate_tenancy_agreement:
      category: generate
      description: "Produce a tenancy agreement document"
    send_formal_notice:
      category: generate
      description: "Draft and send an arrears formal notice"
    send_message:
      category: action
      description: "Send a message to a tenant, applicant or contractor"
    send_payment_reminder:
      category: action
      description: "Send a rent arrears reminder"
    publish_listing:
      category: action
      description: "Publish a listing to portals"
    remove_listing:
      category: action
      description: "Take a published listing down"
    send_agreement_for_signature:
      category: action
      description: "Send the agreement out for e-signature"
    void_agreement:
      category: action
      description: "Void an unsigned agreement"
    collect_deposit:
      category: action
      description: "Request the tenancy deposit"
    collect_payment:
      category: action
      description: "Collect a payment from a tenant"
    refund_deposit:
      category: action
      description: "Return a held deposit"
    release_deposit:
      category: action
      description: "Release the deposit at tenancy end"
    serve_notice:
      category: action
      description: "Serve a formal end-of-tenancy notice"
    schedule_move_in_inspection:
      category: action
      description: "Book the move-in inspection"
    schedule_checkout_inspection:
      category: action
      description: "Book the checkout inspection"
    schedule_contractor:
      category: action
      description: "Book a contractor visit"
    create_work_order:
      category: action
      description: "Raise a maintenance work order"
    update_maintenance_status:
      category: action
      description: "Update a maintenance request's status"
    collect_feedback:
      category: action
      description: "Ask the tenant how a repair went"
    send_welcome_pack:
      category: action
      description: "Send the tenant welcome pack"
    close_tenancy:
      category: action
      description: "Mark a tenancy as ended"
    notify_owner:
      category: action
      description: "Notify the property owner"
    collect_applications:
      category: integration
      description: "Receive applications from listing portals"
    screen_applicant:
      category: integration
      description: "Run referencing checks on an applicant"
    record_signature:
      category: integration
      description: "Record a completed e-signature"
    register_deposit:
      category: integration
      description: "Register the deposit with a protection scheme"
    request_quotes:
      category: integration
      description: "Request a quote from a contractor"
    confirm_completion:
      category: integration
      description: "Confirm a work order was completed"
    compare_inventory:
      category: integration
      description: "Compare checkout inventory against check-in"
    hold_deposit:
      category: action
      description: "Place the deposit on hold pending a dispute"
    escalate_to_agent:
      category: integration
      description: "Hand the case to a human letting agent"

webhooks: []
`
