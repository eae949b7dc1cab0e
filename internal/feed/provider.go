package feed

import "context"

// PageSource abstracts the remote feed API (e.g. ThingSpeak).
type PageSource interface {
	Name() string
	FetchPage(ctx context.Context, id SensorID, cur Cursor, results int) (Page, error)
}

// TableStore is the contract cache backends must satisfy. Load returns
// ErrCacheMissing when nothing has been persisted for id yet.
type TableStore interface {
	Load(id SensorID) (*Table, error)
	Save(id SensorID, t *Table) error
}

// Observer is notified with the rows added to a sensor's cache after a sync.
type Observer interface {
	Observe(ctx context.Context, id SensorID, columns []string, rows []Row) error
}
