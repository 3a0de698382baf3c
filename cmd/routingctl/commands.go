package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"order-routing/internal/models"
	"order-routing/internal/routing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				n, err := rt.store.Migrate(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("schema at version %d on %s\n", n, rt.store.Driver())
				return nil
			})
		},
	}
}

func routeCmd() *cobra.Command {
	var opts routing.RouteOptions
	cmd := &cobra.Command{
		Use:   "route <order-id>",
		Short: "Route an order to its best vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			if opts.OverrideVendorID != 0 {
				opts.OverrideBy = viper.GetString("actor-id")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				result, err := rt.router.RouteOrder(ctx, orderID, opts)
				if result != nil {
					if printErr := printResult(result); printErr != nil {
						return printErr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.AllowSplit, "split", false, "allow splitting the order across vendors")
	cmd.Flags().Int64Var(&opts.OverrideVendorID, "override-vendor", 0, "assign this vendor regardless of score")
	cmd.Flags().StringVar(&opts.OverrideReason, "reason", "", "reason recorded with an override")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <order-id>",
		Short: "Show the acceptance status of every routing group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				result, err := rt.router.GetVendorAcceptanceStatus(ctx, orderID)
				if err != nil {
					return err
				}
				return printResult(result)
			})
		},
	}
}

func printResult(result *routing.RoutingResult) error {
	if viper.GetBool("json") {
		return printJSON(result)
	}
	fmt.Printf("order %d: %s\n", result.OrderID, result.OrderStatus)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Group", "Group Status", "Attempt", "Vendor", "Request Status", "Expires", "Responded By"})
	for _, g := range result.Groups {
		if len(g.Attempts) == 0 {
			tw.AppendRow(table.Row{g.GroupKey, g.Status, "-", "-", "-", "-", g.FailureReason})
			continue
		}
		for _, a := range g.Attempts {
			tw.AppendRow(table.Row{
				g.GroupKey, g.Status, a.AttemptNumber, a.VendorID, a.Status,
				a.ExpiresAt.Format(time.RFC3339), a.RespondedBy,
			})
		}
	}
	tw.Render()
	return nil
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <order-id>",
		Short: "Print the routing audit trail of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				logs, err := rt.router.GetRoutingLogs(ctx, orderID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Group", "Attempt", "Event", "Vendor", "Detail"})
				for _, l := range logs {
					vendor := "-"
					if l.VendorID != nil {
						vendor = fmt.Sprint(*l.VendorID)
					}
					detail := l.Message
					if l.OverrideBy != "" {
						detail = fmt.Sprintf("override by %s: %s", l.OverrideBy, l.OverrideReason)
					}
					tw.AppendRow(table.Row{l.CreatedAt.Format(time.RFC3339), l.GroupKey, l.AttemptNumber, l.Event, vendor, detail})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func fallbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fallback <order-id>",
		Short: "Move every open group of an order to its next vendor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := parseOrderID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				result, err := rt.router.TriggerFallback(ctx, orderID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printResult(result)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue acceptance requests once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				report, err := rt.scanner.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				fmt.Printf("found %d, expired %d, skipped %d, failed %d\n",
					report.Found, report.Expired, report.Skipped, report.Failed)
				return nil
			})
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run one recovery pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				report, runErr := rt.coordinator.RunOnce(ctx)
				if viper.GetBool("json") {
					if err := printJSON(report); err != nil {
						return err
					}
					return runErr
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stage", "Handled", "Failed", "Error"})
				for _, s := range report.Stages {
					tw.AppendRow(table.Row{s.Stage, s.Handled, s.Failed, s.Error})
				}
				tw.Render()
				return runErr
			})
		},
	}
}

func deadLettersCmd() *cobra.Command {
	dl := &cobra.Command{Use: "deadletters", Short: "Inspect and replay dead-lettered jobs"}
	dl.AddCommand(deadLettersListCmd())
	dl.AddCommand(deadLettersShowCmd())
	dl.AddCommand(deadLettersReplayCmd())
	return dl
}

func deadLettersListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				jobs, err := rt.coordinator.ListDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Source", "Source ID", "Created", "Replayed"})
				for _, j := range jobs {
					replayed := ""
					if j.ReplayedAt != nil {
						replayed = j.ReplayedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{j.ID, j.SourceType, j.SourceID, j.CreatedAt.Format(time.RFC3339), replayed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of dead letters")
	return cmd
}

// deadLetterDocument is the YAML export of one dead letter.
type deadLetterDocument struct {
	models.DeadLetterJob `yaml:",inline"`
	Payload              any                    `yaml:"payload"`
	FailureHistory       []models.FailureRecord `yaml:"failure_history"`
}

func newDeadLetterDocument(job *models.DeadLetterJob) deadLetterDocument {
	doc := deadLetterDocument{DeadLetterJob: *job}
	if err := json.Unmarshal(job.Payload, &doc.Payload); err != nil {
		doc.Payload = string(job.Payload)
	}
	_ = json.Unmarshal(job.FailureHistory, &doc.FailureHistory)
	return doc
}

func deadLettersShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a dead letter with its snapshot and failure history as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				job, err := rt.coordinator.GetDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(job)
				}
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(newDeadLetterDocument(job))
			})
		},
	}
}

func deadLettersReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <id>",
		Short: "Return a dead letter to processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				job, err := rt.coordinator.ReplayDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("replayed %s (%s %s)\n", job.ID, job.SourceType, job.SourceID)
				return nil
			})
		},
	}
}
