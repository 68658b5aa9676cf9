package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PageType names a fan-out recipe
type PageType string

const (
	PageTypeKeywordServiceArea PageType = "keyword-service-area"
	PageTypeKeywordLocation    PageType = "keyword-location"
	PageTypeServiceServiceArea PageType = "service-service-area"
	PageTypeServiceLocation    PageType = "service-location"
)

// Legacy names still accepted from older clients
var pageTypeAliases = map[string]PageType{
	"keyword-city": PageTypeKeywordServiceArea,
	"service-city": PageTypeServiceServiceArea,
}

const (
	// MaxPageAttempts caps how many times a page is claimed
	MaxPageAttempts = 3
	// PageStaleTimeout is how long a page may stay processing before recovery
	PageStaleTimeout = 5 * time.Minute
	// QueuedRepublishAge is how long a page may sit queued in queue mode
	// before its message is sent again
	QueuedRepublishAge = 10 * time.Minute
)

var (
	// ErrInvalidPageType is returned for unknown page types
	ErrInvalidPageType = errors.New("invalid page type")
	// ErrEmptyCollection is returned when a recipe has nothing to combine
	ErrEmptyCollection = errors.New("collection is empty")
)

// EmptyCollectionError names the collection that made a plan empty
type EmptyCollectionError struct {
	Collection string
}

func (e *EmptyCollectionError) Error() string {
	return fmt.Sprintf("no %s to generate pages from", e.Collection)
}

// Is lets errors.Is match ErrEmptyCollection
func (e *EmptyCollectionError) Is(target error) bool {
	return target == ErrEmptyCollection
}

// PageTypes lists the canonical recipes
func PageTypes() []PageType {
	return []PageType{
		PageTypeKeywordServiceArea,
		PageTypeKeywordLocation,
		PageTypeServiceServiceArea,
		PageTypeServiceLocation,
	}
}

// ResolvePageType canonicalises a requested page type
func ResolvePageType(raw string) (PageType, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := pageTypeAliases[name]; ok {
		return alias, nil
	}
	for _, pt := range PageTypes() {
		if string(pt) == name {
			return pt, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPageType, raw)
}

// UsesKeywords reports whether collection A is the keyword list
func (pt PageType) UsesKeywords() bool {
	return pt == PageTypeKeywordServiceArea || pt == PageTypeKeywordLocation
}

// UsesLocations reports whether collection B is the active locations
func (pt PageType) UsesLocations() bool {
	return pt == PageTypeKeywordLocation || pt == PageTypeServiceLocation
}
