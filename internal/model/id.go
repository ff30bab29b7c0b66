package model

import "github.com/oklog/ulid/v2"

// NewID returns a fresh ULID string. Worker instances and journal events are
// both identified this way; the timestamp prefix keeps them sortable by
// creation time.
func NewID() string {
	return ulid.Make().String()
}
