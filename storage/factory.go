// Package storage selects a JobStorage backend from configuration.
package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/pensum/common"
	"github.com/ternarybob/pensum/interfaces"
	"github.com/ternarybob/pensum/storage/badger"
	"github.com/ternarybob/pensum/storage/memory"
)

// NewJobStorage creates a JobStorage based on config. "badger" is the
// durable default; "memory" is for tests and embedded use.
func NewJobStorage(logger arbor.ILogger, config *common.Config) (interfaces.JobStorage, error) {
	switch config.Storage.Type {
	case "badger", "":
		db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		return badger.NewJobStorage(db, logger), nil
	case "memory":
		return memory.NewStore(logger), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Storage.Type)
	}
}
