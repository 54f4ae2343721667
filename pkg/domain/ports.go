package domain

import (
	"context"
	"time"
)

// Storage is the driven port for the relational store.
type Storage interface {
	ChannelList(ctx context.Context) ([]ChannelState, error)
	RecordExists(ctx context.Context, id string) (bool, error)

	// UpsertRecord inserts or updates rec and reports whether it was new.
	UpsertRecord(ctx context.Context, rec ResolvedRecord) (bool, error)

	// UpdateCursor widens the channel cursor. Nil sides are left untouched and
	// a side never moves inward.
	UpdateCursor(ctx context.Context, channelID string, oldest, newest *time.Time) error
}

// BackfillMarker is implemented by stores that track retroactive completion.
type BackfillMarker interface {
	MarkBackfillComplete(ctx context.Context, channelID string) error
}

// RefreshStore is implemented by stores that support the REFRESH mode.
type RefreshStore interface {
	RecordsByChannel(ctx context.Context, channelID string) ([]StoredRecord, error)
	UpdateCounters(ctx context.Context, rec ResolvedRecord) error
}

// CheckpointStore is the durable, day-scoped progress ledger.
type CheckpointStore interface {
	IsDone(ctx context.Context, unitID string) (bool, error)
	MarkDone(ctx context.Context, res WorkResult) error
	MarkFailed(ctx context.Context, res WorkResult, reason string) error
	Flush(ctx context.Context) error
}

// PageSource fetches one listing page of a remote collection.
type PageSource interface {
	ListPage(ctx context.Context, collectionID, pageToken string) (*Page, error)
}

// DetailSource fetches full details for a bounded batch of item ids.
type DetailSource interface {
	Details(ctx context.Context, ids []string) ([]Detail, error)
}

// CollectionResolver maps a channel to the id of its remote uploads collection.
type CollectionResolver interface {
	UploadsCollection(ctx context.Context, channelID string) (string, error)
}

// RemoteAPI is the full remote content API as used by the engine.
type RemoteAPI interface {
	PageSource
	DetailSource
	CollectionResolver
}
