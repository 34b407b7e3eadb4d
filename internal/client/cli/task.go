package cli

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/spf13/cobra"
)

func (s *Shell) taskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "task",
		Aliases: []string{"t"},
		Short:   "Manage chores",
	}
	cmd.AddCommand(
		s.taskAddCommand(),
		s.taskListCommand(),
		s.taskDoneCommand(),
		s.taskDeleteCommand(),
		s.taskResyncCommand(),
		s.taskAttachCommand(),
	)
	return cmd
}

func (s *Shell) taskAddCommand() *cobra.Command {
	var (
		t        domain.Task
		due      string
		describe bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a chore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if t.HouseholdID == "" {
				t.HouseholdID, err = s.defaultHousehold(cmd)
				if err != nil {
					return err
				}
			}
			if t.Title == "" {
				if t.Title, err = GetSimpleText(s.in, "Title", s.out); err != nil {
					return err
				}
			}
			if describe {
				if t.Description, err = GetMultiline(s.in, "Description", s.out); err != nil {
					return err
				}
			}
			if t.DueAt, err = parseDue(due, s.now()); err != nil {
				return err
			}

			e, err := s.b.AddTask(cmd.Context(), &t)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Added task %s\n", e.ID)
			s.flush(cmd.Context())
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&t.HouseholdID, "household", "", "household id (default: the only one)")
	f.StringVar(&t.Title, "title", "", "task title")
	f.StringVar(&t.AssigneeID, "assignee", "", "user id of the assignee")
	f.IntVar(&t.Points, "points", 1, "points for completing the task")
	f.StringVar(&t.Recurrence, "repeat", "", "daily, weekly or monthly")
	f.StringVar(&due, "due", "", `due date: "2006-01-02", "2006-01-02 15:04" or a duration like 48h`)
	f.BoolVar(&describe, "describe", false, "prompt for a description")
	return cmd
}

// defaultHousehold picks the household when the user has exactly one.
func (s *Shell) defaultHousehold(cmd *cobra.Command) (string, error) {
	hs, err := s.b.Households(cmd.Context())
	if err != nil {
		return "", err
	}
	switch len(hs) {
	case 0:
		return "", errors.New("no household yet: create or join one first")
	case 1:
		return hs[0].ID, nil
	default:
		return "", errors.New("several households: pass --household")
	}
}

func (s *Shell) taskListCommand() *cobra.Command {
	var household string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List chores (* not synced yet, ! rejected by the server)",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := s.b.Tasks(cmd.Context(), household)
			if err != nil {
				return err
			}
			return printTasks(s.out, list)
		},
	}
	cmd.Flags().StringVar(&household, "household", "", "only this household")
	return cmd
}

func (s *Shell) taskDoneCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "done ID",
		Short: "Mark a chore as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := s.b.CompleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Done")
			s.flush(cmd.Context())
			return nil
		},
	}
}

func (s *Shell) taskDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a chore",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.b.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Deleted")
			s.flush(cmd.Context())
			return nil
		},
	}
}

func (s *Shell) taskResyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resync ID",
		Short: "Send a chore the server rejected again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.b.Resync(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(s.out, "Queued")
			s.flush(cmd.Context())
			return nil
		},
	}
}

func (s *Shell) taskAttachCommand() *cobra.Command {
	var contentType string
	cmd := &cobra.Command{
		Use:   "attach ID FILE",
		Short: "Upload a photo or file as proof",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(args[1]))
			}
			out, err := s.b.Attach(cmd.Context(), args[0], args[1], ct)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Uploaded %s\n", out.Key)
			if out.DownloadURL != "" {
				fmt.Fprintln(s.out, out.DownloadURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contentType, "type", "", "content type (default: from the file extension)")
	return cmd
}
