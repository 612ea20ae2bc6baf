package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annotline/internal/app"
	"annotline/internal/domain"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Lease, annotate and commit tasks",
		Long:  "A task is one frame. Request one to lease it, then commit annotations or abandon it before the lease expires.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskRequestCmd())
	task.AddCommand(taskRenewCmd())
	task.AddCommand(taskCommitCmd())
	task.AddCommand(taskAbandonCmd())
	task.AddCommand(taskHistoryCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List tasks in a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			var st domain.TaskState
			if state != "" {
				if st, err = domain.ParseTaskState(state); err != nil {
					return err
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, id, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Media", "State", "Holder", "Expires")
				for _, t := range tasks {
					expires := ""
					if t.LeaseExpiresAt != nil {
						expires = t.LeaseExpiresAt.Local().Format(time.DateTime)
					}
					tw.AppendRow([]any{t.ID, t.MediaID, t.State, optionalString(t.LeaseHolder), expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (available, leased, committed)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its annotations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("task", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request <project-id>",
		Short: "Lease the next available task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("project", args[0])
			if err != nil {
				return err
			}
			user, err := currentUser()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.RequestTask(ctx, id, user)
				if err != nil {
					return err
				}
				if t == nil {
					if viper.GetBool("json") {
						return printJSON(nil)
					}
					fmt.Println("no tasks available")
					return nil
				}
				m, err := a.Engine.GetMedia(ctx, t.MediaID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Task  *domain.Task      `json:"task"`
					Media domain.MediaAsset `json:"media"`
				}{t, m})
			})
		},
	}
}

func taskRenewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "renew <task-id>",
		Short: "Extend your lease on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return leaseOp(cmd, args[0], func(ctx context.Context, a *app.App, id int64, user string) (domain.Task, error) {
				return a.Engine.RenewLease(ctx, id, user)
			})
		},
	}
}

func taskAbandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <task-id>",
		Short: "Give a leased task back to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return leaseOp(cmd, args[0], func(ctx context.Context, a *app.App, id int64, user string) (domain.Task, error) {
				return a.Engine.AbandonTask(ctx, id, user)
			})
		},
	}
}

func taskCommitCmd() *cobra.Command {
	var file string
	var boxes []string
	cmd := &cobra.Command{
		Use:   "commit <task-id>",
		Short: "Commit annotations for a leased task",
		Long: `Annotations come from --file (a JSON array of {"category","box":{"x1","y1","x2","y2"}}, "-" for stdin)
or from repeated --box category:x1,y1,x2,y2 flags. Committing no annotations records that nothing is in the frame.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			annotations, err := readAnnotations(cmd.InOrStdin(), file, boxes)
			if err != nil {
				return err
			}
			return leaseOp(cmd, args[0], func(ctx context.Context, a *app.App, id int64, user string) (domain.Task, error) {
				return a.Engine.CommitTask(ctx, id, user, annotations)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON annotations file")
	cmd.Flags().StringArrayVarP(&boxes, "box", "b", nil, "annotation as category:x1,y1,x2,y2")
	return cmd
}

func leaseOp(cmd *cobra.Command, rawID string, op func(context.Context, *app.App, int64, string) (domain.Task, error)) error {
	id, err := parseID("task", rawID)
	if err != nil {
		return err
	}
	user, err := currentUser()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		t, err := op(ctx, a, id, user)
		if err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

func readAnnotations(stdin io.Reader, file string, boxes []string) ([]domain.Annotation, error) {
	if file != "" && len(boxes) > 0 {
		return nil, fmt.Errorf("%w: use either --file or --box", domain.ErrValidation)
	}
	out := []domain.Annotation{}
	if file != "" {
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("%w: annotations file: %v", domain.ErrValidation, err)
		}
		return out, nil
	}
	for _, b := range boxes {
		a, err := parseBox(b)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// parseBox reads category:x1,y1,x2,y2.
func parseBox(v string) (domain.Annotation, error) {
	category, coords, ok := strings.Cut(v, ":")
	parts := strings.Split(coords, ",")
	if !ok || len(parts) != 4 {
		return domain.Annotation{}, fmt.Errorf("%w: box %q must be category:x1,y1,x2,y2", domain.ErrValidation, v)
	}
	var xy [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.Annotation{}, fmt.Errorf("%w: box %q: %v", domain.ErrValidation, v, err)
		}
		xy[i] = f
	}
	return domain.Annotation{
		Category: strings.TrimSpace(category),
		Box:      domain.Box{X1: xy[0], Y1: xy[1], X2: xy[2], Y2: xy[3]},
	}, nil
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <task-id>",
		Short: "Show who leased a task and how each lease ended",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("task", args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Engine.LeaseHistory(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := newTable("Holder", "Acquired", "Expires", "Ended", "Outcome")
				for _, r := range records {
					ended, outcome := "", "open"
					if r.EndedAt != nil {
						ended = r.EndedAt.Local().Format(time.DateTime)
					}
					if r.Outcome != nil {
						outcome = string(*r.Outcome)
					}
					tw.AppendRow([]any{r.Holder, r.AcquiredAt.Local().Format(time.DateTime), r.ExpiresAt.Local().Format(time.DateTime), ended, outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
}
