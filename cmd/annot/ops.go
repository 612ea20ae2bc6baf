package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annotline/internal/app"
	"annotline/internal/domain"
	"annotline/internal/export"
	"annotline/internal/recovery"
	"annotline/internal/repo"
)

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Return expired and orphaned leases to the pool",
		Long:  "Runs the same cleanup as workspace startup. Safe to run at any time; leases that are still valid are left alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Recovery.Sweep(ctx, recovery.PhaseManual)
				if err != nil {
					return err
				}
				report.Released = append(report.Released, a.StartupReport.Released...)
				report.Skipped += a.StartupReport.Skipped
				return printJSONOrTable(report)
			})
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress <project-id>",
		Short: "Show task counts and per-annotator output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Progress(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable("Available", "Leased", "Committed", "Total", "Annotations")
				tw.AppendRow([]any{p.ByState[domain.TaskAvailable], p.ByState[domain.TaskLeased], p.ByState[domain.TaskCommitted], p.Total, p.Annotations})
				tw.Render()
				if len(p.CommittedByUser) > 0 {
					users := make([]string, 0, len(p.CommittedByUser))
					for user := range p.CommittedByUser {
						users = append(users, user)
					}
					sort.Strings(users)
					ut := newTable("Annotator", "Committed")
					for _, user := range users {
						ut.AppendRow([]any{user, p.CommittedByUser[user]})
					}
					ut.Render()
				}
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:   "export <project-id>",
		Short: "Export committed annotations (coco or yolo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				tasks, err := a.Engine.ListTasks(ctx, id, domain.TaskCommitted)
				if err != nil {
					return err
				}
				assets, err := a.Engine.ListMedia(ctx, id)
				if err != nil {
					return err
				}
				ds := export.Dataset{Project: p, Tasks: tasks, Media: assets}
				switch f {
				case export.FormatYOLO:
					if output == "" {
						output = "labels"
					}
					report, err := export.WriteYOLO(output, ds)
					if err != nil {
						return err
					}
					return printJSONOrTable(report)
				default:
					if output == "" || output == "-" {
						return export.WriteCOCO(os.Stdout, ds)
					}
					fh, err := os.Create(output)
					if err != nil {
						return err
					}
					if err := export.WriteCOCO(fh, ds); err != nil {
						fh.Close()
						return err
					}
					if err := fh.Close(); err != nil {
						return err
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d images to %s\n", len(tasks), output)
					return nil
				}
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", string(export.FormatCOCO), "coco or yolo")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (coco, default stdout) or directory (yolo, default ./labels)")
	return cmd
}

func logCmd() *cobra.Command {
	var n int
	var project int64
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent events",
		Long:  "The diary of everything that happened: projects, media, leases, commits and recovery.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Events(ctx, repo.EventFilters{
					ProjectID:  project,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor")
				for _, e := range events {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += " " + e.EntityID
					}
					tw.AppendRow([]any{strconv.FormatInt(e.ID, 10), e.TS, e.Type, entity, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&project, "project", 0, "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}
