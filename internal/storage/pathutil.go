package storage

import "strings"

// ShortID returns the first 8 characters of an id with dashes removed,
// for use in file names.
func ShortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) >= 8 {
		return id[:8]
	}
	if id == "" {
		return "unknown"
	}
	return id
}
