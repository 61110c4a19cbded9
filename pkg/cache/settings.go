package cache

import (
	"time"

	"github.com/go-logr/logr"
)

type UpdateSettingsFunc func(c *recordCache)

// SetLogr sets the logger to use.
func SetLogr(log logr.Logger) UpdateSettingsFunc {
	return func(c *recordCache) {
		c.log = log
		c.records.log = log
	}
}

// SetPersister persists every record change through the given persister
func SetPersister(persister RecordPersister) UpdateSettingsFunc {
	return func(c *recordCache) {
		c.persister = persister
	}
}

func SetClock(now func() time.Time) UpdateSettingsFunc {
	return func(c *recordCache) {
		c.now = now
	}
}
