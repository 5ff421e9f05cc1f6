package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/client"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the health of a running sagad",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.NewGRPCClient(serverAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to server: %w", err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		status, err := c.Health(ctx, "")
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), map[string]string{"status": status, "server": serverAddr}); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Health: %s\n", status)
		}

		if status != "serving" {
			return fmt.Errorf("unhealthy: %s", status)
		}
		return nil
	},
}
