// Package cache keeps remote lookups that rarely change in Redis.
//
// Its main user is UploadsResolver, which remembers the uploads collection
// id of each channel so a pass spends one channels.list call per channel per
// TTL instead of one per pass.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	})
//
//	manager := cache.NewManager(redisClient)
//	uploads := cache.NewUploadsResolver(manager, apiClient, cache.DefaultUploadsTTL)
//
//	collectionID, err := uploads.UploadsCollection(ctx, "UC...")
//
// # Key Layout
//
//	yt:uploads:<channel_id>
//
// # Metrics
//
//   - harvest_cache_hits_total - Cache hits
//   - harvest_cache_misses_total - Cache misses
//   - harvest_cache_errors_total{operation} - Cache operation errors
//
// A Redis failure never fails a lookup: the resolver falls through to the
// remote API and counts the error.
package cache
