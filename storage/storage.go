// Package storage holds the durable task store backends and the read cache in
// front of them.
package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrConflict = errors.New("task modified concurrently")
)

// timeLayout keeps stored timestamps fixed-width so they sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
