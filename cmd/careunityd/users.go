package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	usersCmd.AddCommand(usersCreateCmd)
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage the users that own sync operations",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user and print its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openCommandApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.repo.CreateUser(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", user.ID, user.Username)
		return nil
	},
}
