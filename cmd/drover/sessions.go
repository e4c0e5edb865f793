package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finchley/drover/config"
	"github.com/finchley/drover/store"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect saved sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsDeleteCmd())
	return cmd
}

func sessionStore() (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return store.NewStore(cfg.SessionRoot)
}

func buildSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved sessions, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sessionStore()
			if err != nil {
				return err
			}
			metas, err := st.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(metas) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			for _, meta := range metas {
				fmt.Fprintf(out, "%s  %3d turns  %s\n", meta.ID, meta.Turns, meta.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

func buildSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := sessionStore()
			if err != nil {
				return err
			}
			if err := st.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}
