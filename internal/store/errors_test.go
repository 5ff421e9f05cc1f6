package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/alfredjeanlab/sagas/internal/model"
)

func TestWrap(t *testing.T) {
	io := errors.New("connection reset")

	err := Wrap("append events", io)
	if !IsStorageError(err) {
		t.Fatalf("Wrap(io) = %T, want *StorageError", err)
	}
	if !errors.Is(err, io) {
		t.Error("StorageError should unwrap to the cause")
	}
	if got := err.Error(); got != "storage: append events: connection reset" {
		t.Errorf("Error() = %q", got)
	}

	for _, tc := range []struct {
		name string
		err  error
	}{
		{"nil", nil},
		{"not found", fmt.Errorf("get saga: %w", ErrNotFound)},
		{"cas", ErrConcurrentModification},
		{"already wrapped", err},
		{"validation", &model.ValidationError{Errors: []model.FieldError{{Field: "f", Message: "m"}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := Wrap("op", tc.err); got != tc.err {
				t.Errorf("Wrap(%v) = %v, want unchanged", tc.err, got)
			}
		})
	}
}
