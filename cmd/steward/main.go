package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"steward/internal/app"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/domain"
	"steward/internal/engine"
	"steward/internal/migrate"
	"steward/internal/repo"
	"steward/internal/server"
	"steward/internal/tools"
	"steward/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "steward",
	Short: "Steward CLI",
	Long: `Steward runs an autonomous property-management agent under owner control.
Core concepts:
- Workspace: the .steward directory holding the database; config comes from steward.yml.
- Tools: everything the agent can do, each in a category (query, action, integration, ...).
- Autonomy: per-category trust levels decide whether a tool runs unattended or raises
  a pending action for the owner to approve. Some tools never auto-execute.
- Graduation: consecutive approvals earn an offer of autonomy for the category;
  rejections reset the streak and back the bar off. Trust only changes when the
  owner explicitly accepts.
- Tasks: the owner-visible envelope around agent work; take-control pauses the agent.
- Workflows: multi-step sagas (find tenant, onboarding, end of tenancy, maintenance,
  arrears) with approval/webhook/schedule gates, checkpoints, and compensation.
- Event log: diary of everything, view with 'steward log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("STEWARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "", "owner id (overrides config default)")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(graduationCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(toolCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

// withEngine opens the workspace database, resolves the active owner and
// config, and hands a ready engine to fn.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveOwnerAndConfig(ctx, workspace, viper.GetString("owner"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Tools = newInvoker(cfg, nil)
	return fn(ctx, e)
}

func withExecutor(ctx context.Context, fn func(context.Context, engine.Engine, *workflow.Executor) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		return fn(ctx, e, workflow.NewExecutor(e, nil))
	})
}

// newInvoker builds the tool pipeline: catalog-backed registry wrapped in
// retry + circuit breaking. The binary ships local dry-run handlers; real
// integrations register their own handlers through the engine API.
func newInvoker(cfg *config.Config, log *zap.Logger) tools.Invoker {
	reg := tools.NewRegistry(cfg)
	for name, spec := range cfg.Tools.Catalog {
		name, spec := name, spec
		reg.MustRegister(name, func(ctx context.Context, params map[string]any) (map[string]any, error) {
			if log != nil {
				log.Info("tool invoked (dry-run)", zap.String("tool", name))
			}
			return map[string]any{
				"tool":     name,
				"category": string(spec.Category),
				"dry_run":  true,
				"params":   params,
			}, nil
		})
	}
	return tools.NewReliableInvoker(reg, tools.ReliableOptions{})
}

func actorID() string { return viper.GetString("actor-id") }

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	// table renderings are per-command; the fallback is pretty JSON
	return printJSON(v)
}

func parseJSONFlag(raw, what string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid %s JSON: %w", what, err)
	}
	return out, nil
}

func renderTable(header table.Row, rows []table.Row) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func initCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a steward workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				owner = viper.GetString("owner")
			}
			if owner == "" {
				return fmt.Errorf("--owner required")
			}
			workspace := viper.GetString("workspace")
			cfgPath := filepath.Join(workspace, "steward.yml")
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(owner)), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", cfgPath, err)
				}
				fmt.Println("wrote", cfgPath)
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if _, _, err := app.ResolveOwnerAndConfig(cmd.Context(), workspace, owner, r); err != nil {
				return err
			}
			fmt.Println("workspace ready for owner", owner)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect owner config",
		Long:  "Config is the rulebook stored per owner in the DB: category trust defaults, the never-auto list, graduation thresholds, and the tool catalog. Import from steward.yml explicitly.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import steward.yml into the owner's stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = filepath.Join(viper.GetString("workspace"), "steward.yml")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owner := e.Config.Owner.ID
				cfg.Owner.ID = owner
				if err := e.Repo.UpsertOwnerConfig(ctx, owner, cfg); err != nil {
					return err
				}
				fmt.Println("imported config for owner", owner)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file (default <workspace>/steward.yml)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Owner status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owner := e.Config.Owner.ID
				tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{OwnerID: owner})
				if err != nil {
					return err
				}
				taskCounts := map[string]int{}
				for _, t := range tasks {
					taskCounts[string(t.Status)]++
				}
				open, err := e.Repo.ListActions(ctx, repo.ActionFilters{OwnerID: owner, Status: string(domain.ActionPending)})
				if err != nil {
					return err
				}
				instances, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{OwnerID: owner})
				if err != nil {
					return err
				}
				instanceCounts := map[string]int{}
				for _, w := range instances {
					instanceCounts[string(w.Status)]++
				}
				return printJSONOrTable(map[string]any{
					"owner_id":        owner,
					"task_counts":     taskCounts,
					"open_actions":    len(open),
					"instance_counts": instanceCounts,
				})
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage agent tasks",
		Long:  "Tasks wrap agent work. take-control pauses the agent mid-task; resume hands it back.",
	}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskTakeControlCmd())
	t.AddCommand(taskResumeCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
					OwnerID: e.Config.Owner.ID,
					Status:  status,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, t := range items {
					override := ""
					if t.ManualOverride {
						override = "manual"
					}
					rows = append(rows, table.Row{t.ID, t.Title, t.Category, t.Status, override, t.UpdatedAt})
				}
				renderTable(table.Row{"ID", "Title", "Category", "Status", "Control", "Updated"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskTakeControlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take-control <task-id>",
		Short: "Pause a task under manual control",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.TakeControl(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Hand a paused task back to the agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd.Context(), func(ctx context.Context, e engine.Engine, x *workflow.Executor) error {
				t, err := e.ResumeTask(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				// resume any workflow instance parked behind the override
				instances, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{OwnerID: t.OwnerID, Status: string(domain.InstanceRunning)})
				if err != nil {
					return err
				}
				for _, inst := range instances {
					if inst.TaskID != t.ID {
						continue
					}
					if err := x.Drive(ctx, inst.ID, actorID()); err != nil && !errors.Is(err, domain.ErrConcurrencyConflict) {
						return err
					}
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Review pending actions",
		Long:  "Pending actions are gated tool calls waiting for an owner decision. Approvals feed the graduation tracker; rejections reset it and back the bar off.",
	}
	a.AddCommand(actionListCmd())
	a.AddCommand(actionShowCmd())
	a.AddCommand(actionApproveCmd())
	a.AddCommand(actionRejectCmd())
	return a
}

func actionListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActions(ctx, repo.ActionFilters{
					OwnerID: e.Config.Owner.ID,
					Status:  status,
					Limit:   limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, a := range items {
					rows = append(rows, table.Row{a.ID, a.ToolName, a.Category, a.Title, a.Status, a.CreatedAt})
				}
				renderTable(table.Row{"ID", "Tool", "Category", "Title", "Status", "Created"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", string(domain.ActionPending), "status filter (empty for all)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func actionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Repo.GetAction(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	return cmd
}

func actionApproveCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd.Context(), func(ctx context.Context, e engine.Engine, x *workflow.Executor) error {
				a, err := e.ApproveAction(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				if a.InstanceID != nil {
					if err := x.ResumeFromApproval(ctx, a.ID, actorID()); err != nil {
						return err
					}
					a, err = e.Repo.GetAction(ctx, a.ID)
					if err != nil {
						return err
					}
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "approval note")
	return cmd
}

func actionRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd.Context(), func(ctx context.Context, e engine.Engine, x *workflow.Executor) error {
				a, err := e.RejectAction(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				if a.InstanceID != nil {
					if err := x.HandleRejection(ctx, a.ID, actorID()); err != nil {
						return err
					}
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection note")
	return cmd
}

func graduationCmd() *cobra.Command {
	g := &cobra.Command{
		Use:   "graduation",
		Short: "Manage trust graduation",
		Long:  "Graduation records track consecutive approvals per category. When a streak reaches the threshold the owner is offered autonomy for the category; accepting is always explicit.",
	}
	g.AddCommand(graduationListCmd())
	g.AddCommand(graduationAcceptCmd())
	g.AddCommand(graduationDeclineCmd())
	return g
}

func graduationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List graduation records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListGraduations(ctx, e.Config.Owner.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, g := range items {
					eligible := ""
					if g.Eligible() {
						eligible = "yes"
					}
					rows = append(rows, table.Row{g.Category, g.CurrentLevel, g.ConsecutiveApprovals,
						g.EffectiveThreshold(), fmt.Sprintf("%.2f", g.BackoffMultiplier), eligible})
				}
				renderTable(table.Row{"Category", "Level", "Streak", "Needed", "Backoff", "Eligible"}, rows)
				return nil
			})
		},
	}
	return cmd
}

func graduationAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <category>",
		Short: "Accept a graduation offer, granting the category autonomy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.AcceptGraduation(ctx, e.Config.Owner.ID, domain.ToolCategory(args[0]), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func graduationDeclineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decline <category>",
		Short: "Decline a graduation offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.DeclineGraduation(ctx, e.Config.Owner.ID, domain.ToolCategory(args[0]), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func overrideCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "override",
		Short: "Manage autonomy overrides",
		Long:  "Overrides pin a category's trust level regardless of graduation state. Never-auto tools stay gated either way.",
	}
	o.AddCommand(overrideListCmd())
	o.AddCommand(overrideSetCmd())
	o.AddCommand(overrideUnsetCmd())
	return o
}

func overrideListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListOverrides(ctx, e.Config.Owner.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func overrideSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <category> <level>",
		Short: "Set an override",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.SetOverride(ctx, e.Config.Owner.ID, domain.ToolCategory(args[0]), domain.AutonomyLevel(args[1]), actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func overrideUnsetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unset <category>",
		Short: "Clear an override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteOverride(ctx, e.Config.Owner.ID, domain.ToolCategory(args[0])); err != nil {
					return err
				}
				fmt.Println("override cleared")
				return nil
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflows",
		Long:  "Workflows are multi-step sagas. start drives a new instance to its first gate; signal satisfies a webhook gate; wake advances due schedule gates.",
	}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowInstancesCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowSignalCmd())
	wf.AddCommand(workflowWakeCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs := workflow.Builtin()
			if viper.GetBool("json") {
				return printJSON(defs)
			}
			names := make([]string, 0, len(defs))
			for name := range defs {
				names = append(names, name)
			}
			sort.Strings(names)
			rows := make([]table.Row, 0, len(defs))
			for _, name := range names {
				d := defs[name]
				rows = append(rows, table.Row{d.Name, d.Title, len(d.Steps),
					time.Duration(d.MaxDurationMs) * time.Millisecond,
					time.Duration(d.ResumeWindowMs) * time.Millisecond})
			}
			renderTable(table.Row{"Name", "Title", "Steps", "Max duration", "Resume window"}, rows)
			return nil
		},
	}
	return cmd
}

func workflowStartCmd() *cobra.Command {
	var subjectJSON string
	cmd := &cobra.Command{
		Use:   "start <definition>",
		Short: "Start a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := parseJSONFlag(subjectJSON, "subject")
			if err != nil {
				return err
			}
			return withExecutor(cmd.Context(), func(ctx context.Context, e engine.Engine, x *workflow.Executor) error {
				inst, err := x.Start(ctx, args[0], e.Config.Owner.ID, subject, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&subjectJSON, "subject", "", "subject context JSON")
	return cmd
}

func workflowInstancesCmd() *cobra.Command {
	var status, definition string
	var limit int
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, repo.InstanceFilters{
					OwnerID:    e.Config.Owner.ID,
					Status:     status,
					Definition: definition,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, w := range items {
					gate := ""
					if w.WaitingGate != nil {
						gate = string(*w.WaitingGate)
					}
					rows = append(rows, table.Row{w.ID, w.DefinitionName, w.Status, w.CurrentStepIndex, gate, deref(w.WakeAt)})
				}
				renderTable(table.Row{"ID", "Definition", "Status", "Step", "Gate", "Wake at"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&definition, "definition", "", "definition filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func workflowSignalCmd() *cobra.Command {
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "signal <instance-id>",
		Short: "Deliver a webhook payload to a waiting instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parseJSONFlag(payloadJSON, "payload")
			if err != nil {
				return err
			}
			return withExecutor(cmd.Context(), func(ctx context.Context, e engine.Engine, x *workflow.Executor) error {
				if err := x.Signal(ctx, args[0], payload, actorID()); err != nil {
					return err
				}
				inst, err := e.Repo.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload JSON")
	return cmd
}

func workflowWakeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wake",
		Short: "Advance schedule gates that are due",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withExecutor(cmd.Context(), func(ctx context.Context, e engine.Engine, x *workflow.Executor) error {
				woken, err := x.WakeDue(ctx, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"woken": woken})
			})
		},
	}
	return cmd
}

func toolCmd() *cobra.Command {
	tl := &cobra.Command{
		Use:   "tool",
		Short: "Inspect and run tools",
	}
	tl.AddCommand(toolListCmd())
	tl.AddCommand(toolExecCmd())
	return tl
}

func toolListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tool catalog with resolved autonomy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				type entry struct {
					Tool        string `json:"tool"`
					Category    string `json:"category"`
					Level       string `json:"level"`
					NeverAuto   bool   `json:"never_auto"`
					Description string `json:"description"`
				}
				var entries []entry
				for name, spec := range e.Config.Tools.Catalog {
					level, _, err := e.ResolveAutonomy(ctx, e.Config.Owner.ID, name)
					if err != nil {
						return err
					}
					entries = append(entries, entry{
						Tool:        name,
						Category:    string(spec.Category),
						Level:       string(level),
						NeverAuto:   e.Config.NeverAuto(name),
						Description: spec.Description,
					})
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				rows := make([]table.Row, 0, len(entries))
				for _, en := range entries {
					never := ""
					if en.NeverAuto {
						never = "never-auto"
					}
					rows = append(rows, table.Row{en.Tool, en.Category, en.Level, never, en.Description})
				}
				renderTable(table.Row{"Tool", "Category", "Level", "", "Description"}, rows)
				return nil
			})
		},
	}
	return cmd
}

func toolExecCmd() *cobra.Command {
	var paramsJSON, title, recommendation string
	cmd := &cobra.Command{
		Use:   "exec <tool>",
		Short: "Run a tool under the autonomy policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseJSONFlag(paramsJSON, "params")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				result, action, err := e.ExecuteTool(ctx, engine.ExecuteToolOptions{
					OwnerID:        e.Config.Owner.ID,
					ToolName:       args[0],
					Params:         params,
					Title:          title,
					Recommendation: recommendation,
					ActorID:        actorID(),
				})
				if err != nil {
					return err
				}
				if action != nil {
					fmt.Println("gated: pending action raised")
					return printJSONOrTable(action)
				}
				return printJSONOrTable(result)
			})
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "tool params JSON")
	cmd.Flags().StringVar(&title, "title", "", "title shown to the owner if gated")
	cmd.Flags().StringVar(&recommendation, "recommendation", "", "agent recommendation if gated")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: actions, approvals, graduation changes, workflow steps.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				owner := e.Config.Owner.ID
				events, err := e.Repo.TailEvents(ctx, n, owner)
				if err != nil {
					return err
				}
				if err := printEvents(events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				cursor := int64(0)
				if len(events) > 0 {
					cursor = events[len(events)-1].ID
				}
				ticker := time.NewTicker(2 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-ticker.C:
					}
					batch, err := e.Repo.EventsAfter(ctx, 100, cursor, owner)
					if err != nil {
						return err
					}
					if len(batch) == 0 {
						continue
					}
					if err := printEvents(batch); err != nil {
						return err
					}
					cursor = batch[len(batch)-1].ID
				}
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll for new events")
	return cmd
}

func printEvents(events []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(events)
	}
	for _, e := range events {
		fmt.Printf("%s  %-28s %s/%s  actor=%s  %s\n", e.TS, e.Type, e.EntityKind, e.EntityID, e.ActorID, e.Payload)
	}
	return nil
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "API keys authenticate agent front-ends against the HTTP API. Only the hash is stored; the secret is printed once at creation.",
	}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyDeleteCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				secret := "sk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					OwnerID:   e.Config.Owner.ID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"id":     key.ID,
					"name":   key.Name,
					"secret": secret,
					"note":   "store the secret now; it cannot be recovered",
				})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, e.Config.Owner.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				rows := make([]table.Row, 0, len(items))
				for _, k := range items {
					rows = append(rows, table.Row{k.ID, k.Name, k.CreatedAt})
				}
				renderTable(table.Row{"ID", "Name", "Created"}, rows)
				return nil
			})
		},
	}
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted")
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var wakeInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveOwnerAndConfig(cmd.Context(), workspace, viper.GetString("owner"), r)
			if err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			e := engine.New(conn, cfg)
			e.Tools = newInvoker(cfg, logger)
			x := workflow.NewExecutor(e, logger)

			jwtSecret := viper.GetString("jwt-secret")
			if jwtSecret == "" {
				jwtSecret = os.Getenv("STEWARD_JWT_SECRET")
			}
			if jwtSecret == "" {
				return fmt.Errorf("STEWARD_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Executor: x,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: jwtSecret, Logger: logger},
			})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e, logger)

			// background scheduler for due schedule_wait gates
			go func() {
				ticker := time.NewTicker(wakeInterval)
				defer ticker.Stop()
				for {
					select {
					case <-cmd.Context().Done():
						return
					case <-ticker.C:
					}
					if woken, err := x.WakeDue(cmd.Context(), "scheduler"); err != nil {
						logger.Warn("wake pass failed", zap.Error(err))
					} else if woken > 0 {
						logger.Info("woke due instances", zap.Int("count", woken))
					}
				}
			}()

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			logger.Info("serving steward API",
				zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Steward API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().DurationVar(&wakeInterval, "wake-interval", 30*time.Second, "schedule gate poll interval")
	return cmd
}
