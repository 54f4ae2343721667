package cache

import "strings"

// Namespaces
const (
	NamespaceUploads = "uploads"
)

// CacheKey identifies one cached value.
type CacheKey struct {
	// Namespace groups values of one kind (e.g. "uploads")
	Namespace string

	// ID is the identifier within the namespace (e.g. a channel id)
	ID string
}

// UploadsKey returns the key of a channel's uploads collection id.
func UploadsKey(channelID string) CacheKey {
	return CacheKey{Namespace: NamespaceUploads, ID: channelID}
}

// String generates the Redis key.
// Format: yt:namespace:id
//
// Example:
//
//	yt:uploads:UC_x5XG1OV2P6uZZ5FSM9Ttw
func (k CacheKey) String() string {
	parts := []string{"yt"}
	if ns := strings.Trim(k.Namespace, ":"); ns != "" {
		parts = append(parts, ns)
	}
	if id := strings.TrimSpace(k.ID); id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, ":")
}
