package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/sagas/internal/config"
	"github.com/alfredjeanlab/sagas/internal/events"
	"github.com/alfredjeanlab/sagas/internal/model"
)

var eventsCmd = &cobra.Command{
	Use:     "events",
	Short:   "Query the event log or follow it on the bus",
	GroupID: "records",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List events from the log",
	Long: `List events from the log. Exactly one of --saga, --correlation or --type
narrows the query; without them events are scanned in id order after --after.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sagaID, _ := cmd.Flags().GetString("saga")
		correlation, _ := cmd.Flags().GetString("correlation")
		eventType, _ := cmd.Flags().GetString("type")
		after, _ := cmd.Flags().GetInt64("after")
		limit, _ := cmd.Flags().GetInt("limit")

		set := 0
		for _, v := range []string{sagaID, correlation, eventType} {
			if v != "" {
				set++
			}
		}
		if set > 1 {
			return fmt.Errorf("--saga, --correlation and --type are mutually exclusive")
		}

		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				evs []*model.Event
				err error
			)
			switch {
			case sagaID != "":
				evs, err = a.log.GetEvents(ctx, sagaID, model.AggregateTypeSaga, 0)
			case correlation != "":
				evs, err = a.log.GetEventsByCorrelationID(ctx, correlation)
			case eventType != "":
				evs, err = a.log.GetEventsByType(ctx, eventType, limit)
			default:
				evs, err = a.log.ListEvents(ctx, after, limit)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), evs)
			}
			printEvents(cmd.OutOrStdout(), evs)
			return nil
		})
	},
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow events as a running sagad publishes them",
	RunE: func(cmd *cobra.Command, args []string) error {
		withDLQ, _ := cmd.Flags().GetBool("dlq")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.NATSURL == "" {
			return fmt.Errorf("events tail needs SAGAS_NATS_URL")
		}
		sub, err := events.NewNATSSubscriber(cfg.NATSURL)
		if err != nil {
			return err
		}
		defer sub.Close()

		topics := []string{events.TopicAllEvents}
		if withDLQ {
			topics = append(topics, events.TopicAllDeadLetters)
		}
		return tail(cmd.Context(), sub, topics, cmd.OutOrStdout())
	},
}

// tail prints every message on topics until ctx is done.
func tail(ctx context.Context, sub *events.NATSSubscriber, topics []string, w io.Writer) error {
	merged := make(chan events.Message)
	for _, topic := range topics {
		ch, cancel, err := sub.SubscribeMsgs(topic)
		if err != nil {
			return err
		}
		defer cancel()
		go func() {
			for msg := range ch {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-merged:
			if jsonOutput {
				fmt.Fprintln(w, string(msg.Data))
				continue
			}
			fmt.Fprintln(w, formatMessage(msg))
		}
	}
}

// formatMessage renders one bus message as a single line.
func formatMessage(msg events.Message) string {
	if _, ok := events.EventTypeFromTopic(msg.Topic); ok {
		var e model.Event
		if err := json.Unmarshal(msg.Data, &e); err == nil {
			line := fmt.Sprintf("%s  #%d  %s  %s", formatTime(&e.CreatedAt), e.ID, e.AggregateID, e.EventType)
			if s := eventSummary(&e); s != "" {
				line += "  " + s
			}
			return line
		}
	}
	var dl struct {
		Entry *model.DeadLetterEntry `json:"entry"`
	}
	if err := json.Unmarshal(msg.Data, &dl); err == nil && dl.Entry != nil {
		return fmt.Sprintf("%s  %s  %s  saga=%s %s", msg.Topic, dl.Entry.ID, resolution(dl.Entry), dl.Entry.SagaID, truncate(dl.Entry.ErrorMessage, 60))
	}
	return fmt.Sprintf("%s  %s", msg.Topic, msg.Data)
}

func init() {
	eventsListCmd.Flags().String("saga", "", "events of one saga")
	eventsListCmd.Flags().String("correlation", "", "events sharing a correlation id")
	eventsListCmd.Flags().String("type", "", "events of one type, newest first")
	eventsListCmd.Flags().Int64("after", 0, "scan events with an id above this")
	eventsListCmd.Flags().Int("limit", 100, "maximum number of events")

	eventsTailCmd.Flags().Bool("dlq", false, "also follow dead-letter notifications")

	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
