package resolver

import (
	"time"

	"github.com/Sternrassler/yt-harvester/pkg/domain"
	"github.com/sosodev/duration"
)

// DefaultShortCutoff is the duration below which an item counts as short.
const DefaultShortCutoff = 180 * time.Second

// ParseDuration converts an ISO 8601 duration ("PT1M30S") to seconds.
// It returns 0 when the value is empty or cannot be parsed.
func ParseDuration(iso string) int64 {
	if iso == "" {
		return 0
	}
	d, err := duration.Parse(iso)
	if err != nil {
		return 0
	}
	secs := int64(d.ToTimeDuration() / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Classify derives the short/long classification of an item.
//
// Signals are consulted in a fixed order and the first usable one wins:
//  1. a positive duration, compared against cutoff
//  2. a classification already known for the item
//  3. the embed aspect ratio (taller than wide is short)
//
// With no signal the result is Undetermined.
func Classify(seconds int64, knownShort *bool, width, height int64, cutoff time.Duration) domain.Classification {
	if seconds > 0 {
		if time.Duration(seconds)*time.Second < cutoff {
			return domain.Short
		}
		return domain.Long
	}

	if knownShort != nil {
		if *knownShort {
			return domain.Short
		}
		return domain.Long
	}

	if width > 0 && height > 0 {
		if height > width {
			return domain.Short
		}
		return domain.Long
	}

	return domain.Undetermined
}
