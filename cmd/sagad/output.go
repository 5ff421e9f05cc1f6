package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/ui"
)

const timeFormat = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeFormat)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printSaga(w io.Writer, st *model.SagaState) {
	fmt.Fprintf(w, "ID:           %s\n", st.SagaID)
	fmt.Fprintf(w, "Type:         %s\n", st.SagaType)
	fmt.Fprintf(w, "Aggregate:    %s\n", st.AggregateID)
	fmt.Fprintf(w, "Status:       %s\n", ui.RenderStatus(string(st.Status)))
	fmt.Fprintf(w, "Current Step: %s\n", st.CurrentStep)
	fmt.Fprintf(w, "Tenant:       %s\n", st.TenantID)
	if st.CorrelationID != "" {
		fmt.Fprintf(w, "Correlation:  %s\n", st.CorrelationID)
	}
	if st.Owner != "" {
		fmt.Fprintf(w, "Driver:       %s\n", st.Owner)
	}
	fmt.Fprintf(w, "Version:      %d\n", st.Version)
	fmt.Fprintf(w, "Retry Count:  %d\n", st.RetryCount)
	if st.NextRetryAt != nil {
		fmt.Fprintf(w, "Next Retry:   %s\n", formatTime(st.NextRetryAt))
	}
	if st.ErrorType != "" {
		fmt.Fprintf(w, "Error Type:   %s\n", st.ErrorType)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", st.Error)
	}
	fmt.Fprintf(w, "Created At:   %s\n", formatTime(&st.CreatedAt))
	fmt.Fprintf(w, "Updated At:   %s\n", formatTime(&st.UpdatedAt))
	if st.CompletedAt != nil {
		fmt.Fprintf(w, "Completed At: %s\n", formatTime(st.CompletedAt))
	}

	if len(st.Data) > 0 {
		keys := make([]string, 0, len(st.Data))
		for k := range st.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "\nData:")
		for _, k := range keys {
			v, _ := json.Marshal(st.Data[k])
			fmt.Fprintf(w, "  %s = %s\n", k, v)
		}
	}

	if len(st.StepHistory) > 0 {
		fmt.Fprintln(w, "\nSteps:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, h := range st.StepHistory {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", h.Step, ui.RenderStatus(string(h.Status)), formatTime(&h.Timestamp), h.Error)
		}
		tw.Flush()
	}
}

func printSagaList(w io.Writer, sagas []*model.SagaState) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSTEP\tTENANT\tRETRIES\tUPDATED")
	for _, st := range sagas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			st.SagaID,
			st.SagaType,
			ui.RenderStatus(string(st.Status)),
			st.CurrentStep,
			st.TenantID,
			st.RetryCount,
			formatTime(&st.UpdatedAt),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d sagas\n", len(sagas))
}

// eventSummary renders the interesting fields of a known payload.
func eventSummary(e *model.Event) string {
	switch d := e.Data.(type) {
	case model.SagaStarted:
		return fmt.Sprintf("type=%s aggregate=%s", d.SagaType, d.AggregateID)
	case model.SagaStepStarted:
		return "step=" + d.Step
	case model.SagaStepCompleted:
		return "step=" + d.Step
	case model.SagaCompensationStarted:
		return fmt.Sprintf("failed_step=%s error=%q", d.FailedStep, truncate(d.Error, 60))
	case model.SagaStepCompensated:
		return "step=" + d.Step
	case model.SagaStepCompensationFailed:
		return fmt.Sprintf("step=%s error=%q", d.Step, truncate(d.Error, 60))
	case model.SagaRetryScheduled:
		return fmt.Sprintf("step=%s retry=%d at=%s", d.Step, d.RetryCount, formatTime(&d.NextRetryAt))
	case model.SagaResumed:
		return fmt.Sprintf("step=%s from=%s owner=%s", d.Step, d.FromStatus, d.Owner)
	case model.SagaHeartbeat:
		return "owner=" + d.Owner
	case model.SagaFailedEvent:
		return fmt.Sprintf("step=%s type=%s", d.Step, d.ErrorType)
	}
	return ""
}

func printEvents(w io.Writer, evs []*model.Event) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAGGREGATE\tTYPE\tCREATED\tDETAILS")
	for _, e := range evs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			e.ID,
			e.AggregateID,
			e.EventType,
			formatTime(&e.CreatedAt),
			eventSummary(e),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d events\n", len(evs))
}

func resolution(e *model.DeadLetterEntry) string {
	if e.IsResolved() {
		return "resolved"
	}
	return "unresolved"
}

func printDeadLetter(w io.Writer, e *model.DeadLetterEntry) {
	fmt.Fprintf(w, "ID:          %s\n", e.ID)
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(resolution(e)))
	if e.SagaID != "" {
		fmt.Fprintf(w, "Saga:        %s\n", e.SagaID)
	}
	fmt.Fprintf(w, "Tenant:      %s\n", e.TenantID)
	if e.CorrelationID != "" {
		fmt.Fprintf(w, "Correlation: %s\n", e.CorrelationID)
	}
	fmt.Fprintf(w, "Error Type:  %s\n", e.ErrorType)
	fmt.Fprintf(w, "Error:       %s\n", e.ErrorMessage)
	fmt.Fprintf(w, "Retries:     %d/%d\n", e.RetryCount, e.MaxRetries)
	fmt.Fprintf(w, "Created At:  %s\n", formatTime(&e.CreatedAt))
	if e.ResolvedAt != nil {
		fmt.Fprintf(w, "Resolved At: %s\n", formatTime(e.ResolvedAt))
		if e.ResolutionNotes != "" {
			fmt.Fprintf(w, "Notes:       %s\n", e.ResolutionNotes)
		}
	}
	if len(e.Payload) > 0 {
		fmt.Fprintf(w, "Payload:     %s\n", e.Payload)
	}
	if e.ErrorStack != "" {
		fmt.Fprintf(w, "\nStack:\n%s\n", strings.TrimRight(e.ErrorStack, "\n"))
	}
}

func printDeadLetterList(w io.Writer, entries []*model.DeadLetterEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSAGA\tTENANT\tERROR TYPE\tCREATED\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			ui.RenderStatus(resolution(e)),
			e.SagaID,
			e.TenantID,
			e.ErrorType,
			formatTime(&e.CreatedAt),
			truncate(e.ErrorMessage, 50),
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d dead letters\n", len(entries))
}
