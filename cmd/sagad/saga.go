package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/config"
	"github.com/alfredjeanlab/sagas/internal/events"
	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/saga"
	"github.com/alfredjeanlab/sagas/internal/store"
)

var sagaCmd = &cobra.Command{
	Use:     "saga",
	Short:   "Start, inspect and steer saga instances",
	GroupID: "sagas",
}

var sagaStartCmd = &cobra.Command{
	Use:   "start <type>",
	Short: "Start a saga of a type from the saga file",
	Long: `Start a saga of a type defined in SAGAS_SAGA_FILE.

By default the saga runs in this process and the command waits for it to
finish. With --detach the request is published on the bus and a running
sagad starts it instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		aggregate, _ := cmd.Flags().GetString("aggregate")
		tenant, _ := cmd.Flags().GetString("tenant")
		correlation, _ := cmd.Flags().GetString("correlation")
		rawData, _ := cmd.Flags().GetString("data")
		detach, _ := cmd.Flags().GetBool("detach")

		var data map[string]any
		if rawData != "" {
			if err := json.Unmarshal([]byte(rawData), &data); err != nil {
				return fmt.Errorf("--data must be a JSON object: %w", err)
			}
		}

		if detach {
			return publishStart(cmd, events.StartRequest{
				SagaType:      args[0],
				AggregateID:   aggregate,
				TenantID:      tenant,
				CorrelationID: correlation,
				Data:          data,
			})
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := a.orch.StartSaga(ctx, args[0], aggregate, data, tenant, correlation)
			if errors.Is(err, saga.ErrUnknownSagaType) {
				return fmt.Errorf("%w (known types: %s)", err, knownTypes(a.registry))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Started saga %s\n", id)
			return waitAndPrint(ctx, cmd, a, id)
		})
	},
}

func knownTypes(r *saga.Registry) string {
	types := r.Types()
	if len(types) == 0 {
		return "none, set SAGAS_SAGA_FILE"
	}
	return strings.Join(types, ", ")
}

func publishStart(cmd *cobra.Command, req events.StartRequest) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.NATSURL == "" {
		return fmt.Errorf("--detach needs SAGAS_NATS_URL")
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL)
	if err != nil {
		return err
	}
	defer pub.Close()
	if err := pub.Publish(cmd.Context(), events.StartTopic(req.SagaType), req); err != nil {
		return fmt.Errorf("publishing start request: %w", err)
	}
	if err := pub.Flush(cmd.Context()); err != nil {
		return fmt.Errorf("publishing start request: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Start request for %s published on %s\n", req.SagaType, events.StartTopic(req.SagaType))
	return nil
}

// waitAndPrint blocks until the in-process driver of id exits. On interrupt
// the driver schedules a retry, so a running sagad can finish the saga.
func waitAndPrint(ctx context.Context, cmd *cobra.Command, a *app, id string) error {
	st, err := a.orch.Wait(ctx, id)
	if errors.Is(err, context.Canceled) {
		// Interrupt the driver now rather than after the shutdown timeout.
		expired, cancel := context.WithCancel(context.Background())
		cancel()
		_ = a.orch.Shutdown(expired)
		fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted; saga %s will be retried by a running sagad\n", id)
		return nil
	}
	if err != nil {
		return err
	}
	if err := printState(cmd, st); err != nil {
		return err
	}
	if st.Status == model.SagaFailed {
		return fmt.Errorf("saga %s failed: %s", id, st.Error)
	}
	return nil
}

func printState(cmd *cobra.Command, st *model.SagaState) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), st)
	}
	printSaga(cmd.OutOrStdout(), st)
	return nil
}

// findSaga loads a saga by id alone, the type being looked up.
func findSaga(ctx context.Context, a *app, id string) (*model.SagaState, error) {
	st, err := a.store.FindSagaState(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", saga.ErrSagaNotFound, id)
	}
	return st, err
}

var sagaStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the persisted state of a saga",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := findSaga(ctx, a, args[0])
			if err != nil {
				return err
			}
			return printState(cmd, st)
		})
	},
}

var sagaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sagas",
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, _ := cmd.Flags().GetStringSlice("status")
		sagaType, _ := cmd.Flags().GetString("type")
		tenant, _ := cmd.Flags().GetString("tenant")
		correlation, _ := cmd.Flags().GetString("correlation")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := model.SagaFilter{
			SagaType:      sagaType,
			TenantID:      tenant,
			CorrelationID: correlation,
			Limit:         limit,
			Offset:        offset,
		}
		for _, s := range statuses {
			status := model.SagaStatus(s)
			if !status.IsValid() {
				return fmt.Errorf("unknown status %q", s)
			}
			filter.Status = append(filter.Status, status)
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			sagas, err := a.orch.ListSagas(ctx, filter)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), sagas)
			}
			printSagaList(cmd.OutOrStdout(), sagas)
			return nil
		})
	},
}

var sagaHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the events recorded for a saga",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			evs, err := a.orch.History(ctx, args[0])
			if err != nil {
				return err
			}
			if len(evs) == 0 {
				return fmt.Errorf("%w: %s", saga.ErrSagaNotFound, args[0])
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), evs)
			}
			printEvents(cmd.OutOrStdout(), evs)
			return nil
		})
	},
}

var sagaRebuildCmd = &cobra.Command{
	Use:   "rebuild <id>",
	Short: "Rebuild a saga's state from its events",
	Long: `Rebuild a saga's state by replaying its events from the latest snapshot.
A new snapshot is written when enough events were replayed
(SAGAS_SNAPSHOT_EVERY). The stored state is not changed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.orch.RebuildState(ctx, args[0])
			if err != nil {
				return err
			}
			return printState(cmd, st)
		})
	},
}

var sagaCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a saga without compensating it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := findSaga(ctx, a, args[0])
			if err != nil {
				return err
			}
			if err := a.orch.CancelSaga(ctx, st.SagaID, st.SagaType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled saga %s\n", st.SagaID)
			return nil
		})
	},
}

var sagaResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Resume an interrupted, failed or cancelled saga",
	Long: `Resume a saga from its current step.

When the saga's type is defined in SAGAS_SAGA_FILE the saga runs in this
process and the command waits for it. Otherwise it is marked due and a
running sagad that knows the type picks it up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := findSaga(ctx, a, args[0])
			if err != nil {
				return err
			}
			if st.Status == model.SagaCompleted {
				fmt.Fprintf(cmd.OutOrStdout(), "Saga %s is already completed\n", st.SagaID)
				return nil
			}

			if _, ok := a.registry.Lookup(st.SagaType); !ok {
				if err := a.orch.ScheduleResume(ctx, st.SagaID, st.SagaType); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saga %s scheduled for resume by a running sagad\n", st.SagaID)
				return nil
			}

			if err := a.orch.ResumeSaga(ctx, st.SagaID, st.SagaType); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Resumed saga %s at step %s\n", st.SagaID, st.CurrentStep)
			return waitAndPrint(ctx, cmd, a, st.SagaID)
		})
	},
}

var sagaTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List the saga types defined in the saga file",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			type typeInfo struct {
				Type  string   `json:"type"`
				Steps []string `json:"steps"`
			}
			var out []typeInfo
			for _, t := range a.registry.Types() {
				def, _ := a.registry.Lookup(t)
				info := typeInfo{Type: t}
				for _, s := range def.Steps {
					info.Steps = append(info.Steps, s.Name)
				}
				out = append(out, info)
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), out)
			}
			if len(out) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No saga types defined (set SAGAS_SAGA_FILE)")
				return nil
			}
			for _, info := range out {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", info.Type, strings.Join(info.Steps, " -> "))
			}
			return nil
		})
	},
}

func init() {
	sagaStartCmd.Flags().String("aggregate", "", "aggregate id the saga acts on")
	sagaStartCmd.Flags().String("tenant", "", "tenant id")
	sagaStartCmd.Flags().String("correlation", "", "correlation id (generated when empty)")
	sagaStartCmd.Flags().String("data", "", "initial saga data as a JSON object")
	sagaStartCmd.Flags().Bool("detach", false, "publish a start request for a running sagad instead of running here")
	_ = sagaStartCmd.MarkFlagRequired("tenant")

	sagaListCmd.Flags().StringSlice("status", nil, "filter by status (repeatable)")
	sagaListCmd.Flags().String("type", "", "filter by saga type")
	sagaListCmd.Flags().String("tenant", "", "filter by tenant")
	sagaListCmd.Flags().String("correlation", "", "filter by correlation id")
	sagaListCmd.Flags().Int("limit", 50, "maximum number of sagas")
	sagaListCmd.Flags().Int("offset", 0, "number of sagas to skip")

	sagaCmd.AddCommand(sagaStartCmd)
	sagaCmd.AddCommand(sagaStatusCmd)
	sagaCmd.AddCommand(sagaListCmd)
	sagaCmd.AddCommand(sagaHistoryCmd)
	sagaCmd.AddCommand(sagaRebuildCmd)
	sagaCmd.AddCommand(sagaCancelCmd)
	sagaCmd.AddCommand(sagaResumeCmd)
	sagaCmd.AddCommand(sagaTypesCmd)
}
