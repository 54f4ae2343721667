// Package pagination drives cursor-based traversal of a channel's uploads
// listing under three modes that share one page primitive.
//
// The remote listing is ordered newest to oldest and paged with an opaque
// token; an empty next token marks the end of the collection.
//
// Example usage:
//
//	engine := pagination.NewEngine(apiClient, pagination.DefaultConfig(), nil)
//	res, err := engine.Traverse(ctx, domain.TraversalRequest{
//		ChannelID:    "UC...",
//		CollectionID: "UU...",
//		Mode:         domain.ModeIncremental,
//		Bound:        channel.Cursor.NewestSeen,
//	})
//
// Modes:
//   - FULL walks every page; items at or after Bound are skipped
//   - RETROACTIVE keeps items strictly older than Bound (now when unset)
//     until the item cap is reached or pages run out
//   - INCREMENTAL keeps items strictly newer than Bound and stops at the
//     first item at or before it, without fetching further pages
//
// Items owned by another channel are dropped and counted; items without a
// parseable publish time are skipped. The stop flag is checked before every
// page fetch; a stopped traversal returns ErrStopped and no items.
package pagination
