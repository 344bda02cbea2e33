package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"invent/internal/app"
	"invent/internal/domain"
	"invent/internal/engine"
	"invent/internal/lifecycle"
	"invent/internal/registry"
)

const dateLayout = "2006-01-02"

// parseFieldArgs turns --set name=value and --unset name flags into a field
// patch, reading each value according to the registry's value kind. Multi
// select values are comma separated.
func parseFieldArgs(reg registry.Registry, set, unset []string) (domain.Fields, error) {
	patch := domain.Fields{}
	for _, kv := range set {
		name, raw, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--set %q: expected name=value", kv)
		}
		name = strings.TrimSpace(name)
		d, found := reg.Lookup(name)
		if !found {
			return nil, registry.UnknownFieldError{Kind: reg.Kind, Field: name}
		}
		switch d.ValueKind {
		case domain.ValueDate:
			t, err := time.Parse(dateLayout, strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("--set %s: dates use YYYY-MM-DD", name)
			}
			patch[name] = domain.Date(t)
		case domain.ValueMultiSelect:
			var items []string
			for _, item := range strings.Split(raw, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			patch[name] = domain.Set(items...)
		default:
			patch[name] = domain.Text(raw)
		}
	}
	for _, name := range unset {
		if _, found := reg.Lookup(name); !found {
			return nil, registry.UnknownFieldError{Kind: reg.Kind, Field: name}
		}
		patch[name] = domain.Value{}
	}
	return patch, nil
}

func formatValue(kind domain.ValueKind, v domain.Value) string {
	switch kind {
	case domain.ValueDate:
		if v.Date == nil {
			return ""
		}
		return v.Date.Format(dateLayout)
	case domain.ValueMultiSelect:
		return strings.Join(v.Items, ", ")
	}
	return v.Text
}

func entityCmd(kindName string) *cobra.Command {
	kind := domain.Kind(kindName)
	cmd := &cobra.Command{Use: kindName, Short: "Manage " + kindName + "s"}
	cmd.AddCommand(entityCreateCmd(kind))
	for _, t := range []struct {
		use   string
		event lifecycle.Event
		short string
	}{
		{"save", lifecycle.EventSaveDraft, "Save changes to a draft"},
		{"publish", lifecycle.EventPublish, "Publish a draft or unpublished entry"},
		{"publish-latest", lifecycle.EventPublishAsLatest, "Publish the latest changes of a published entry as a new version"},
		{"unpublish", lifecycle.EventUnpublish, "Unpublish a published entry"},
		{"cancel", lifecycle.EventCancel, "Cancel an entry"},
	} {
		cmd.AddCommand(entityTransitionCmd(kind, t.use, t.event, t.short))
	}
	cmd.AddCommand(entityShowCmd(kind))
	cmd.AddCommand(entityListCmd(kind))
	return cmd
}

func entityCreateCmd(kind domain.Kind) *cobra.Command {
	var portfolio, event string
	var set, unset []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a " + string(kind) + " and apply its first event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := lifecycle.ParseEvent(event)
			if err != nil {
				return err
			}
			reg, err := registry.For(kind)
			if err != nil {
				return err
			}
			patch, err := parseFieldArgs(reg, set, unset)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Transition(ctx, engine.TransitionOptions{
					Kind:        kind,
					PortfolioID: portfolio,
					Event:       ev,
					Fields:      patch,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printResult(reg, res)
			})
		},
	}
	cmd.Flags().StringVar(&portfolio, "portfolio", "", "portfolio id")
	cmd.Flags().StringVar(&event, "event", string(lifecycle.EventSaveDraft), "first event (save_draft, publish, cancel)")
	cmd.Flags().StringArrayVar(&set, "set", nil, "field value as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "field to clear (repeatable)")
	_ = cmd.MarkFlagRequired("portfolio")
	return cmd
}

func entityTransitionCmd(kind domain.Kind, use string, ev lifecycle.Event, short string) *cobra.Command {
	var set, unset []string
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.For(kind)
			if err != nil {
				return err
			}
			patch, err := parseFieldArgs(reg, set, unset)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				res, err := ws.Engine.Transition(ctx, engine.TransitionOptions{
					Kind:    kind,
					ID:      args[0],
					Event:   ev,
					Fields:  patch,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printResult(reg, res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&set, "set", nil, "field value as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&unset, "unset", nil, "field to clear (repeatable)")
	return cmd
}

func entityShowCmd(kind domain.Kind) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a " + string(kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := registry.For(kind)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				ent, err := ws.Engine.Get(ctx, kind, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ent)
				}
				printEntity(reg, ent)
				return nil
			})
		},
	}
}

func entityListCmd(kind domain.Kind) *cobra.Command {
	var portfolio string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the " + string(kind) + "s of a portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				snap, err := ws.Engine.List(ctx, kind, portfolio, true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Version", "Updated"})
				for _, s := range snap.Items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.State, s.Version, s.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&portfolio, "portfolio", "", "portfolio id")
	_ = cmd.MarkFlagRequired("portfolio")
	return cmd
}

func printResult(reg registry.Registry, res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.Outcome.Intent == lifecycle.IntentDiscard {
		fmt.Printf("Discarded unsaved %s\n", reg.Kind)
		return nil
	}
	fmt.Printf("%s: %s -> %s (version %d)\n", res.Outcome.Event, res.Outcome.From, res.Outcome.To, res.Outcome.Version)
	printEntity(reg, res.Entity)
	return nil
}

func printEntity(reg registry.Registry, ent domain.Entity) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle(fmt.Sprintf("%s %s [%s]", ent.Kind, ent.ID, ent.State))
	tw.AppendHeader(table.Row{"Field", "Value", "Publish"})
	for _, d := range reg.Fields() {
		mark := ""
		if d.RequiredAt(domain.TierPublish) {
			mark = "required"
		}
		tw.AppendRow(table.Row{d.Name, formatValue(d.ValueKind, ent.Fields[d.Name]), mark})
	}
	tw.AppendFooter(table.Row{"public id", ent.PublicID, fmt.Sprintf("v%d", ent.Version)})
	tw.Render()
}

func fieldsCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "fields <kind>",
		Short:     "Describe the fields of initiatives or solutions",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"initiative", "solution"},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, ok := domain.ParseKind(args[0])
			if !ok {
				return fmt.Errorf("unknown kind %q", args[0])
			}
			fields, err := registry.Describe(kind)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(fields)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Kind", "Required for", "Label"})
			for _, d := range fields {
				tiers := make([]string, len(d.RequiredFor))
				for i, t := range d.RequiredFor {
					tiers[i] = string(t)
				}
				tw.AppendRow(table.Row{d.Name, d.ValueKind, strings.Join(tiers, ", "), d.Label})
			}
			tw.Render()
			return nil
		},
	}
}

func remindersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reminders",
		Short: "List stale drafts and published entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				items, err := ws.Engine.Reminders(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "ID", "Name", "Reason", "Updated", "Team"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Kind, r.EntityID, r.Name, r.Reason, r.UpdatedAt.Format(dateLayout), strings.Join(r.Team, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}
