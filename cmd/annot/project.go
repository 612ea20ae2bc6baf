package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annotline/internal/app"
	"annotline/internal/domain"
	"annotline/internal/media"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectCategoriesCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, typ string
	var categories []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			pt, err := domain.ParseProjectType(typ)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateProject(ctx, name, pt, categories)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&typ, "type", string(domain.ProjectDetection), "detection or classification")
	cmd.Flags().StringSliceVarP(&categories, "category", "c", nil, "category label (repeatable or comma separated)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Type", "Categories")
				for _, p := range items {
					tw.AppendRow([]any{p.ID, p.Name, p.Type, strings.Join(p.Categories, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectCategoriesCmd() *cobra.Command {
	cats := &cobra.Command{Use: "categories", Short: "Manage project categories"}
	cats.AddCommand(&cobra.Command{
		Use:   "add <project-id> <category>...",
		Short: "Append categories to a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.AddCategories(ctx, id, args[1:])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	})
	return cats
}

func mediaCmd() *cobra.Command {
	m := &cobra.Command{Use: "media", Short: "Register frames as tasks"}
	m.AddCommand(mediaAddCmd())
	m.AddCommand(mediaScanCmd())
	m.AddCommand(mediaListCmd())
	return m
}

func mediaAddCmd() *cobra.Command {
	var source string
	var frame int
	cmd := &cobra.Command{
		Use:   "add <project-id> <path>",
		Short: "Register one frame",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			desc, err := media.Probe(args[1])
			if err != nil {
				// Frames may live on storage this host cannot read.
				desc = domain.MediaDescriptor{Path: args[1]}
			}
			desc.SourceVideo = source
			if cmd.Flags().Changed("frame") {
				desc.FrameIndex = &frame
			} else {
				desc.FrameIndex = media.FrameIndex(args[1])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				asset, err := a.Engine.IngestMedia(ctx, id, desc)
				if err != nil {
					return err
				}
				return printJSONOrTable(asset)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source video")
	cmd.Flags().IntVar(&frame, "frame", 0, "frame index within the source video")
	return cmd
}

func mediaScanCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "scan <project-id> <dir>",
		Short: "Register every image under a directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			descs, err := media.Scan(args[1], media.ScanOptions{SourceVideo: source, Frames: true})
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := media.IngestAll(ctx, a.Engine, id, descs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("added %d frames, %d already registered\n", len(res.Added), len(res.Duplicates))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "source video (defaults to each frame's directory name)")
	return cmd
}

func mediaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's frames",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, id, "")
				if err != nil {
					return err
				}
				assets, err := a.Engine.ListMedia(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := make([]domain.MediaAsset, 0, len(tasks))
					for _, t := range tasks {
						out = append(out, assets[t.MediaID])
					}
					return printJSON(out)
				}
				tw := newTable("Media", "Task", "State", "Path", "Size")
				for _, t := range tasks {
					m := assets[t.MediaID]
					size := ""
					if m.Width > 0 {
						size = fmt.Sprintf("%dx%d", m.Width, m.Height)
					}
					tw.AppendRow([]any{m.ID, t.ID, t.State, m.Path, size})
				}
				tw.Render()
				return nil
			})
		},
	}
}
