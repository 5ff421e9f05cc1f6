// Package idgen provides short, URL-safe unique ID generation backed by nanoid,
// plus UUID correlation ids.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the record kinds the saga core creates.
const (
	SagaPrefix       = "sg-"
	DeadLetterPrefix = "dl-"
	DriverPrefix     = "dr-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// NewSagaID returns a saga id such as "sg-4fTq9ZkLw2Ab".
func NewSagaID() (string, error) {
	return GenerateWithPrefix(SagaPrefix)
}

// NewDeadLetterID returns a dead-letter entry id.
func NewDeadLetterID() (string, error) {
	return GenerateWithPrefix(DeadLetterPrefix)
}

// NewDriverID returns the owner token a saga driver records when it takes
// over a saga.
func NewDriverID() (string, error) {
	return GenerateWithPrefix(DriverPrefix)
}

// NewCorrelationID returns a random UUID for sagas started without one.
func NewCorrelationID() string {
	return uuid.NewString()
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
