package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"artline/internal/domain"
	"artline/internal/engine"
)

func initiativeCmd() *cobra.Command {
	in := &cobra.Command{
		Use:     "initiative",
		Aliases: []string{"init"},
		Short:   "Manage change initiatives",
	}
	in.AddCommand(initiativeCreateCmd())
	in.AddCommand(initiativeListCmd())
	in.AddCommand(initiativeShowCmd())
	in.AddCommand(initiativeTransitionCmd("activate", "Move a draft initiative to active", engine.Engine.ActivateInitiative))
	in.AddCommand(initiativeTransitionCmd("request-closure", "Move an active initiative to review", engine.Engine.RequestClosure))
	in.AddCommand(initiativeTransitionCmd("complete", "Complete and promote pending versions to baseline", engine.Engine.CompleteInitiative))
	in.AddCommand(initiativeCancelCmd())
	in.AddCommand(initiativeUseCmd())
	in.AddCommand(participantsCmd())
	return in
}

func initiativeCreateCmd() *cobra.Command {
	var opts engine.CreateInitiativeOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.ActorID = actorID()
				in, err := e.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(in)
				}
				fmt.Printf("Created initiative %s (%s)\n", in.ID, in.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "initiative id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "initiative name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.BusinessJustification, "justification", "", "business justification")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&opts.TargetCompletionDate, "target-date", "", "target completion date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.Draft, "draft", false, "create in draft status")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListInitiatives(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Status", "Priority", "Created by", "Target"})
				for _, in := range items {
					target := ""
					if in.TargetCompletionDate != nil {
						target = *in.TargetCompletionDate
					}
					tw.AppendRow(table.Row{in.ID, in.Name, in.Status, in.Priority, in.CreatedBy, target})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func initiativeShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show an initiative with its pending work",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentInitiative(firstArg(args))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.GetInitiative(ctx, id)
				if err != nil {
					return err
				}
				locks, conflicts, err := e.PendingWork(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"initiative":       in,
						"locked_artifacts": locks,
						"open_conflicts":   conflicts,
						"can_close":        len(locks) == 0 && len(conflicts) == 0,
					})
				}
				fmt.Printf("Initiative: %s - %s (%s, %s)\n", in.ID, in.Name, in.Status, in.Priority)
				fmt.Printf("Created by %s at %s\n", in.CreatedBy, in.CreatedAt)
				fmt.Printf("Locked artifacts: %d, open conflicts: %d\n", len(locks), len(conflicts))
				for _, l := range locks {
					fmt.Printf("  lock %s by %s until %s\n", l.Ref, l.LockedBy, l.LockExpiry)
				}
				for _, c := range conflicts {
					fmt.Printf("  conflict %s on %s: %s\n", c.ID, c.Ref, strings.Join(c.ConflictingFields, ", "))
				}
				return nil
			})
		},
	}
}

func initiativeTransitionCmd(use, short string, run func(engine.Engine, context.Context, string, string) (domain.Initiative, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentInitiative(firstArg(args))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := run(e, ctx, id, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(in)
				}
				fmt.Printf("Initiative %s is %s\n", in.ID, in.Status)
				return nil
			})
		},
	}
}

func initiativeCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an initiative, voiding its pending versions and releasing its locks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentInitiative(firstArg(args))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CancelInitiative(ctx, id, actorID(), reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(in)
				}
				fmt.Printf("Initiative %s cancelled\n", in.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func initiativeUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <id>",
		Short: "Set the default initiative for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return fmt.Errorf("initiative id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "ARTLINE_INITIATIVE", id); err != nil {
				return err
			}
			fmt.Printf("Set ARTLINE_INITIATIVE=%s in %s/.env\n", id, workspace)
			return nil
		},
	}
}

func participantsCmd() *cobra.Command {
	p := &cobra.Command{Use: "participants", Short: "Initiative participants"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentInitiative("")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListParticipants(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Actor", "Role", "Joined"})
				for _, pt := range items {
					tw.AppendRow(table.Row{pt.ActorID, pt.Role, pt.JoinedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	var who, role string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentInitiative("")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pt, err := e.AddParticipant(ctx, engine.AddParticipantOptions{
					InitiativeID: id, ParticipantID: who, Role: role, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(pt)
			})
		},
	}
	add.Flags().StringVar(&who, "actor", "", "participant actor id")
	add.Flags().StringVar(&role, "role", "developer", "lead, architect, developer, reviewer or viewer")
	_ = add.MarkFlagRequired("actor")
	p.AddCommand(list, add)
	return p
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}
