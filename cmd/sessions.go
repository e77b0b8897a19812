package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage the local user's conversation sessions",
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Close the current session and start a fresh one",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		id, err := a.relay.Reset(cmd.Context(), localUserID)
		if err != nil {
			return fmt.Errorf("resetting session: %w", err)
		}
		fmt.Printf("New session %s.\n", id)
		return nil
	},
}

var sessionsCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the current session without starting a new one",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.store.CloseSession(cmd.Context(), localUserID); err != nil {
			return fmt.Errorf("closing session: %w", err)
		}
		fmt.Println("Session closed.")
		return nil
	},
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the current session together with its messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.relay.Wipe(cmd.Context(), localUserID); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
		fmt.Println("Session cleared.")
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsNewCmd)
	sessionsCmd.AddCommand(sessionsCloseCmd)
	sessionsCmd.AddCommand(sessionsClearCmd)
	rootCmd.AddCommand(sessionsCmd)
}
