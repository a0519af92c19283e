package reconcile

import "github.com/dukerupert/calsync/internal/model"

// Change kinds published to subscribers.
const (
	KindCreated       = "created"
	KindUpdated       = "updated"
	KindDeleted       = "deleted"
	KindImportedBatch = "imported-batch"
)

// Notifier publishes a change to the user's connected subscribers. It must
// not block.
type Notifier interface {
	Notify(userID int64, kind string, payload any)
}

// Enricher attaches derived data to newly inserted rows. It must not block.
type Enricher interface {
	Enqueue(row model.CalendarEvent)
}

type nopNotifier struct{}

func (nopNotifier) Notify(int64, string, any) {}

type nopEnricher struct{}

func (nopEnricher) Enqueue(model.CalendarEvent) {}
