package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"annotline/internal/app"
	"annotline/internal/domain"
	"annotline/internal/session"
)

func annotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "annotate <project-id>",
		Short: "Work through tasks interactively",
		Long: `Leases one task at a time and reads commands from stdin:
  category <name>         select the category for new boxes
  box <x1> <y1> <x2> <y2> draft a box with the selected category
  remove <index>          drop a drafted box
  list                    show drafted boxes
  renew                   extend the lease
  submit                  commit the drafts and move to the next task
  skip                    abandon the task and move to the next one
  quit                    abandon the task and exit
Leases taken here are released if the process exits without submitting.`,
		Args: cobra.ExactArgs(1),
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
				return runAnnotate(ctx, a.Engine, id, user, cmd.InOrStdin(), cmd.OutOrStdout())
			})
		},
	}
}

// runAnnotate drives annotation sessions from line commands until input ends,
// the user quits or the project runs out of tasks.
func runAnnotate(ctx context.Context, tm session.TaskManager, projectID int64, user string, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		s, err := session.Begin(ctx, tm, projectID, user)
		if err != nil {
			return err
		}
		if s == nil {
			fmt.Fprintln(out, "no tasks available")
			return nil
		}
		t := s.Task()
		fmt.Fprintf(out, "task %d: %s (category %s)\n", t.ID, s.Media().Path, s.Category())

		next, err := annotateOne(ctx, s, scanner, out)
		if !s.Closed() {
			err = errors.Join(err, s.Discard(ctx))
		}
		if err != nil || !next {
			return err
		}
	}
}

// annotateOne handles commands for one session. It reports whether the
// caller should continue with another task.
func annotateOne(ctx context.Context, s *session.Session, scanner *bufio.Scanner, out io.Writer) (bool, error) {
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return false, scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "category":
			if len(fields) != 2 {
				err = fmt.Errorf("%w: usage: category <name>", domain.ErrValidation)
				break
			}
			err = s.SetCategory(fields[1])
		case "box":
			var box domain.Box
			if box, err = parseBoxFields(fields[1:]); err != nil {
				break
			}
			var idx int
			if idx, err = s.AddBox(box); err == nil {
				fmt.Fprintf(out, "drafted #%d %s\n", idx, s.Category())
			}
		case "remove":
			var idx int
			if idx, err = strconv.Atoi(strings.Join(fields[1:], "")); err != nil {
				err = fmt.Errorf("%w: usage: remove <index>", domain.ErrValidation)
				break
			}
			err = s.RemoveBox(idx)
		case "list":
			for i, d := range s.Drafts() {
				fmt.Fprintf(out, "#%d %s (%g,%g)-(%g,%g)\n", i, d.Category, d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2)
			}
		case "renew":
			if err = s.Renew(ctx); err == nil {
				fmt.Fprintf(out, "lease extended to %s\n", s.Task().LeaseExpiresAt.Local().Format("15:04:05"))
			}
		case "submit":
			var t domain.Task
			if t, err = s.Submit(ctx); err == nil {
				fmt.Fprintf(out, "committed task %d with %d annotations\n", t.ID, len(t.Annotations))
				return true, nil
			}
		case "skip":
			if err = s.Discard(ctx); err == nil {
				return true, nil
			}
		case "quit", "exit":
			return false, nil
		default:
			err = fmt.Errorf("%w: unknown command %q", domain.ErrValidation, fields[0])
		}
		if err == nil {
			continue
		}
		if s.Closed() {
			// The lease is gone; move on to a fresh task.
			fmt.Fprintln(out, "error:", err)
			return true, nil
		}
		if domain.Kind(err) != domain.ErrValidation {
			return false, err
		}
		fmt.Fprintln(out, "error:", err)
	}
}

func parseBoxFields(fields []string) (domain.Box, error) {
	if len(fields) != 4 {
		return domain.Box{}, fmt.Errorf("%w: usage: box <x1> <y1> <x2> <y2>", domain.ErrValidation)
	}
	var xy [4]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return domain.Box{}, fmt.Errorf("%w: box coordinate %q", domain.ErrValidation, f)
		}
		xy[i] = v
	}
	return domain.Box{X1: xy[0], Y1: xy[1], X2: xy[2], Y2: xy[3]}, nil
}
