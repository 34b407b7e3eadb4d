package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func (s *Shell) householdCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "household",
		Aliases: []string{"h"},
		Short:   "Create, join and list households",
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a household",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := s.b.CreateHousehold(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Created household %s\n", h.ID)
			s.flush(cmd.Context())
			return nil
		},
	}

	join := &cobra.Command{
		Use:   "join CODE",
		Short: "Join a household with its invite code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := s.b.JoinHousehold(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "Joined household %s\n", h.ID)
			return nil
		},
	}

	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List households",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hs, err := s.b.Households(cmd.Context())
			if err != nil {
				return err
			}
			return printHouseholds(s.out, hs)
		},
	}

	cmd.AddCommand(create, join, list)
	return cmd
}
