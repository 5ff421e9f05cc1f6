package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/ui"
)

var (
	serverAddr string
	jsonOutput bool
	verbose    bool
)

func defaultServer() string {
	if s := os.Getenv("SAGAS_SERVER"); s != "" {
		return s
	}
	return "localhost:9090"
}

var rootCmd = &cobra.Command{
	Use:           "sagad <command>",
	Short:         "Saga orchestrator: run the server and inspect sagas, events and dead letters",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetColorEnabled(ui.ShouldUseColor())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "gRPC address of a running sagad")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log saga activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sagas", Title: "Sagas:"},
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false
	rootCmd.SetHelpFunc(colorizedHelpFunc())

	// Sagas
	rootCmd.AddCommand(sagaCmd)

	// Records
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(archiveCmd)

	// System
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
