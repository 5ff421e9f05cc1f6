// Package archive periodically exports saga states and dead-letter entries
// as JSONL to off-site destinations (S3, a git repository).
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/sagas/internal/model"
	"github.com/alfredjeanlab/sagas/internal/store"
)

// FormatVersion is written in every header record.
const FormatVersion = "1"

// Record types, in the order they appear in an export.
const (
	RecordHeader     = "header"
	RecordSaga       = "saga"
	RecordDeadLetter = "dead_letter"
)

// pageSize is how many saga states are read per query.
const pageSize = 500

// Header is the first JSONL record written by ExportJSONL.
type Header struct {
	Version         string    `json:"version"`
	Type            string    `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	SagaCount       int       `json:"saga_count"`
	DeadLetterCount int       `json:"dead_letter_count"`
}

// Record wraps a single JSONL line with a type discriminator.
type Record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ExportJSONL writes every saga state, sorted by saga id, and then every
// dead-letter entry, oldest first, as JSONL to w. The header carries the
// counts so a reader can tell a truncated file from a complete one.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer, now time.Time) error {
	var sagas []*model.SagaState
	for offset := 0; ; offset += pageSize {
		page, err := s.ListSagaStates(ctx, model.SagaFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("list saga states: %w", err)
		}
		sagas = append(sagas, page...)
		if len(page) < pageSize {
			break
		}
	}
	sort.Slice(sagas, func(i, j int) bool {
		if sagas[i].SagaID != sagas[j].SagaID {
			return sagas[i].SagaID < sagas[j].SagaID
		}
		return sagas[i].SagaType < sagas[j].SagaType
	})

	deadLetters, err := s.ListDeadLetters(ctx, model.DeadLetterFilter{})
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(Header{
		Version:         FormatVersion,
		Type:            RecordHeader,
		Timestamp:       now.UTC(),
		SagaCount:       len(sagas),
		DeadLetterCount: len(deadLetters),
	}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}

	for _, st := range sagas {
		if err := encodeRecord(enc, RecordSaga, st); err != nil {
			return fmt.Errorf("encode saga %s: %w", st.SagaID, err)
		}
	}
	for _, e := range deadLetters {
		if err := encodeRecord(enc, RecordDeadLetter, e); err != nil {
			return fmt.Errorf("encode dead letter %s: %w", e.ID, err)
		}
	}
	return nil
}

func encodeRecord(enc *json.Encoder, typ string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return enc.Encode(Record{Type: typ, Data: data})
}
