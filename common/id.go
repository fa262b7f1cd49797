package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique job ID. Plain UUID v4 - job IDs are
// capped at 36 bytes in storage.
func NewJobID() string {
	return uuid.New().String()
}

// NewBatchID generates a unique batch ID.
func NewBatchID() string {
	return uuid.New().String()
}
