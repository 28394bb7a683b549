package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"artline/internal/app"
	"artline/internal/domain"
	"artline/internal/engine"
	"artline/internal/registry"
)

func checkoutCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "checkout <type/id>",
		Short: "Lock an artifact for the current initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			initiative, err := currentInitiative("")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lock, err := e.Checkout(ctx, engine.CheckoutOptions{Ref: ref, InitiativeID: initiative, ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(lock)
				}
				fmt.Printf("Checked out %s for %s until %s (base v%d)\n", lock.Ref, lock.InitiativeID, lock.LockExpiry, lock.BaseVersionNumber)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the artifact is being changed")
	return cmd
}

func checkinCmd() *cobra.Command {
	var (
		sets        []string
		data        string
		description string
		changeType  string
	)
	cmd := &cobra.Command{
		Use:   "checkin <type/id>",
		Short: "Record changes as a pending version and release the lock",
		Example: `  al checkin application/42 --set status=active --set team=billing
  al checkin interface/7 --data @changes.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			initiative, err := currentInitiative("")
			if err != nil {
				return err
			}
			changes, err := readJSONObject(data)
			if err != nil {
				return err
			}
			assigned, err := parseAssignments(sets)
			if err != nil {
				return err
			}
			if changes == nil {
				changes = map[string]any{}
			}
			for k, v := range assigned {
				changes[k] = v
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Checkin(ctx, engine.CheckinOptions{
					Ref: ref, InitiativeID: initiative, ActorID: actorID(),
					Changes: changes, Description: description, ChangeType: changeType,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				v := res.Version
				fmt.Printf("Checked in %s as v%d (%s)\n", v.Ref, v.VersionNumber, strings.Join(v.ChangedFields, ", "))
				for _, c := range res.Conflicts {
					other := c.OtherInitiativeID
					if other == "" {
						other = "baseline"
					}
					fmt.Printf("  conflict %s with %s on %s\n", c.ConflictID, other, strings.Join(c.ConflictingFields, ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable; JSON values keep their type)")
	cmd.Flags().StringVar(&data, "data", "", "JSON object of changes, or @file")
	cmd.Flags().StringVar(&description, "description", "", "change description")
	cmd.Flags().StringVar(&changeType, "change-type", "", "create, update or delete")
	return cmd
}

func impactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "impact <type/id>",
		Short: "Show the checkout closure and cross-initiative impact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			initiative, _ := currentInitiative("")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				report, err := e.AnalyzeCheckoutImpact(ctx, ref, initiative)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printImpact(report)
				return nil
			})
		},
	}
}

func printImpact(r domain.ImpactReport) {
	fmt.Printf("Impact of %s: risk %s, %s (%d required checkouts, %d cross-initiative conflicts)\n",
		r.Primary.Ref, r.RiskLevel, r.Summary.EstimatedComplexity, r.Summary.TotalRequiredCheckouts, r.Summary.CrossInitiativeConflicts)
	tw := newTable(table.Row{"Artifact", "Name", "Depth", "Reason"})
	for _, t := range domain.ArtifactTypes {
		for _, rc := range r.RequiredCheckouts[t] {
			tw.AppendRow(table.Row{rc.Ref.String(), rc.Name, rc.Depth, rc.Reason})
		}
	}
	tw.Render()
	if len(r.CrossInitiativeImpacts) == 0 {
		return
	}
	it := newTable(table.Row{"Artifact", "Source", "Initiative / CR", "Type", "Holder"})
	for _, c := range r.CrossInitiativeImpacts {
		owner := c.InitiativeID
		if c.ChangeRequestID != "" {
			owner = c.ChangeRequestID
		}
		it.AppendRow(table.Row{c.Ref.String(), c.Source, owner, c.ConflictType, c.Holder})
	}
	it.Render()
}

func bulkCheckoutCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "bulk-checkout <type/id>",
		Short: "Lock an artifact and its whole dependency closure, or nothing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			initiative, err := currentInitiative("")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.BulkCheckout(ctx, engine.BulkCheckoutOptions{Ref: ref, InitiativeID: initiative, ActorID: actorID(), Reason: reason})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printLocks(res.Locks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the closure is being changed")
	return cmd
}

func currentCmd() *cobra.Command {
	var baseline bool
	cmd := &cobra.Command{
		Use:   "current <type/id>",
		Short: "Show the initiative's working copy, or the baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			initiative := ""
			if !baseline {
				initiative, _ = currentInitiative("")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetCurrent(ctx, ref, initiative)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("%s v%d (%s)\n", v.Ref, v.VersionNumber, v.Status)
				var pretty any
				if err := json.Unmarshal([]byte(v.Data), &pretty); err != nil {
					return err
				}
				return printJSONOrTable(pretty)
			})
		},
	}
	cmd.Flags().BoolVar(&baseline, "baseline", false, "ignore the current initiative")
	return cmd
}

func versionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <type/id>",
		Short: "List versions of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListVersions(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Version", "Status", "Baseline", "Initiative", "Changed", "By", "At"})
				for _, v := range items {
					initiative := ""
					if v.InitiativeID != nil {
						initiative = *v.InitiativeID
					}
					tw.AppendRow(table.Row{v.VersionNumber, v.Status, v.IsBaseline, initiative, strings.Join(v.ChangedFields, ","), v.CreatedBy, v.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <type/id>",
		Short: "Baseline promotion history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListBaselineHistory(ctx, ref)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"At", "By", "Initiative", "To version", "Reason"})
				for _, h := range items {
					initiative := ""
					if h.InitiativeID != nil {
						initiative = *h.InitiativeID
					}
					tw.AppendRow(table.Row{h.BaselinedAt, h.BaselinedBy, initiative, h.ToVersionID, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func locksCmd() *cobra.Command {
	locks := &cobra.Command{Use: "locks", Short: "Artifact locks"}
	var scope engine.LockScope
	var artifactType string
	var mine bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List live locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			scope.InitiativeID = viper.GetString("initiative")
			scope.Type = domain.ArtifactType(artifactType)
			if mine {
				scope.LockedBy = actorID()
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListLocks(ctx, scope)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printLocks(items)
				return nil
			})
		},
	}
	list.Flags().StringVar(&artifactType, "type", "", "artifact type filter")
	list.Flags().BoolVar(&mine, "mine", false, "only locks held by the caller")
	list.Flags().BoolVar(&scope.IncludeExpired, "include-expired", false, "include expired locks")
	locks.AddCommand(list)
	return locks
}

func printLocks(items []domain.ArtifactLock) {
	tw := newTable(table.Row{"Lock", "Artifact", "Initiative", "Holder", "Expires", "Base"})
	for _, l := range items {
		tw.AppendRow(table.Row{l.ID, l.Ref.String(), l.InitiativeID, l.LockedBy, l.LockExpiry, "v" + itoa(l.BaseVersionNumber)})
	}
	tw.Render()
}

func conflictsCmd() *cobra.Command {
	c := &cobra.Command{Use: "conflicts", Short: "Version conflicts"}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListConflicts(ctx, engine.ConflictFilter{InitiativeID: viper.GetString("initiative"), Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Artifact", "Kind", "Initiatives", "Fields", "Status"})
				for _, vc := range items {
					pair := vc.InitiativeID
					if vc.OtherInitiativeID != "" {
						pair += " / " + vc.OtherInitiativeID
					}
					tw.AppendRow(table.Row{vc.ID, vc.Ref.String(), vc.Kind, pair, strings.Join(vc.ConflictingFields, ","), vc.ResolutionStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "open or resolved")
	c.AddCommand(list)

	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				vc, err := e.GetConflict(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(vc)
			})
		},
	})

	c.AddCommand(&cobra.Command{
		Use:   "analyze <id>",
		Short: "Field-by-field analysis with suggested strategies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AnalyzeConflict(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				tw := newTable(table.Row{"Field", "Ours", "Theirs", "Suggestion"})
				for _, f := range a.Fields {
					tw.AppendRow(table.Row{f.Field, f.Ours, f.Theirs, f.Suggestion})
				}
				tw.Render()
				fmt.Printf("auto-resolvable: %t, risk score %d, suggested: %s\n", a.AutoResolvable, a.RiskScore, a.SuggestedStrategy)
				return nil
			})
		},
	})

	var opts engine.ResolveConflictOptions
	var data string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			merged, err := readJSONObject(data)
			if err != nil {
				return err
			}
			opts.ConflictID = args[0]
			opts.Data = merged
			opts.ActorID = actorID()
			if opts.InitiativeID == "" {
				opts.InitiativeID = viper.GetString("initiative")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ResolveConflict(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Conflict %s resolved with %s\n", res.Conflict.ID, res.Conflict.ResolutionStrategy)
				if res.Version != nil {
					fmt.Printf("  new pending version v%d\n", res.Version.VersionNumber)
				}
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&opts.Strategy, "strategy", "", "accept_baseline, keep_initiative, accept_other, manual_merge or auto_merge")
	resolve.Flags().StringVar(&data, "data", "", "merged fields for manual_merge (JSON object or @file)")
	resolve.Flags().StringVar(&opts.Notes, "notes", "", "resolution notes")
	_ = resolve.MarkFlagRequired("strategy")
	c.AddCommand(resolve)

	c.AddCommand(&cobra.Command{
		Use:   "detect [initiative]",
		Short: "Re-run conflict detection for an initiative",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentInitiative(firstArg(args))
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				found, err := e.DetectConflicts(ctx, id, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(found)
			})
		},
	})
	return c
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{Use: "admin", Short: "Administrative overrides"}

	var userID, fcReason string
	force := &cobra.Command{
		Use:   "force-checkout <type/id>",
		Short: "Take the lock from its holder for another initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			initiative, err := currentInitiative("")
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ForceCheckout(ctx, engine.ForceCheckoutOptions{
					Ref: ref, InitiativeID: initiative, UserID: userID, Reason: fcReason, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	force.Flags().StringVar(&userID, "user", "", "user receiving the lock (defaults to the caller)")
	force.Flags().StringVar(&fcReason, "reason", "", "override reason")
	_ = force.MarkFlagRequired("reason")
	admin.AddCommand(force)

	var cancelReason string
	cancel := &cobra.Command{
		Use:   "force-cancel <type/id>",
		Short: "Drop an artifact's lock without checking in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lock, err := e.ForceCancelCheckout(ctx, engine.ForceOptions{
					Ref: ref, InitiativeID: viper.GetString("initiative"), Reason: cancelReason, ActorID: actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(lock)
			})
		},
	}
	cancel.Flags().StringVar(&cancelReason, "reason", "", "override reason")
	_ = cancel.MarkFlagRequired("reason")
	admin.AddCommand(cancel)

	var releaseReason string
	release := &cobra.Command{
		Use:   "release-lock <lock-id>",
		Short: "Release a lock by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				lock, err := e.ReleaseLock(ctx, args[0], actorID(), releaseReason)
				if err != nil {
					return err
				}
				return printJSONOrTable(lock)
			})
		},
	}
	release.Flags().StringVar(&releaseReason, "reason", "", "release reason")
	admin.AddCommand(release)

	var refreshReason string
	refresh := &cobra.Command{
		Use:   "refresh-baseline <type/id>",
		Short: "Append a baseline holding the registry's current data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RefreshBaseline(ctx, engine.RefreshBaselineOptions{Ref: ref, ActorID: actorID(), Reason: refreshReason})
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	refresh.Flags().StringVar(&refreshReason, "reason", "registry sync", "refresh reason")
	admin.AddCommand(refresh)

	admin.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired locks now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SweepLocks(ctx, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"swept": n})
				}
				fmt.Printf("Swept %d expired locks\n", n)
				return nil
			})
		},
	})
	return admin
}

func registryCmd() *cobra.Command {
	reg := &cobra.Command{Use: "registry", Short: "Artifact registry (current records, relationships, change requests)"}

	var data string
	put := &cobra.Command{
		Use:   "put <type/id>",
		Short: "Create or replace a registry record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			fields, err := readJSONObject(data)
			if err != nil {
				return err
			}
			raw, err := json.Marshal(fields)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := registry.SQL{DB: rt.DB}.Put(ctx, ref, raw)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	put.Flags().StringVar(&data, "data", "{}", "record fields (JSON object or @file)")
	reg.AddCommand(put)

	reg.AddCommand(&cobra.Command{
		Use:   "show <type/id>",
		Short: "Show a registry record and its relationships",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRef(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Registry.Lookup(ctx, ref)
				if err != nil {
					return err
				}
				edges, err := rt.Registry.Edges(ctx, ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"record": rec, "edges": edges})
			})
		},
	})

	var kind string
	link := &cobra.Command{
		Use:   "link <from type/id> <to type/id>",
		Short: "Record a relationship",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseRef(args[0])
			if err != nil {
				return err
			}
			to, err := parseRef(args[1])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return registry.SQL{DB: rt.DB}.Link(ctx, registry.Edge{From: from, To: to, Kind: kind})
			})
		},
	}
	link.Flags().StringVar(&kind, "kind", "", strings.Join(registry.EdgeKinds, ", "))
	_ = link.MarkFlagRequired("kind")
	reg.AddCommand(link)

	var crID, crTitle, crStatus, crInitiative, crKind string
	var crArtifacts []string
	cr := &cobra.Command{
		Use:   "cr",
		Short: "Record a change request touching artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]domain.ArtifactRef, 0, len(crArtifacts))
			for _, a := range crArtifacts {
				ref, err := parseRef(a)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return registry.SQL{DB: rt.DB}.AddChangeRequest(ctx, crID, crTitle, crStatus, crInitiative, refs, crKind)
			})
		},
	}
	cr.Flags().StringVar(&crID, "id", "", "change request id")
	cr.Flags().StringVar(&crTitle, "title", "", "title")
	cr.Flags().StringVar(&crStatus, "status", "open", "status")
	cr.Flags().StringVar(&crInitiative, "for-initiative", "", "owning initiative")
	cr.Flags().StringVar(&crKind, "change-kind", "", "modification, deletion, status_change, version_change or sequence_change")
	cr.Flags().StringArrayVar(&crArtifacts, "artifact", nil, "affected artifact type/id (repeatable)")
	_ = cr.MarkFlagRequired("id")
	reg.AddCommand(cr)
	return reg
}
