package xid

import "github.com/google/uuid"

// New returns "<prefix>-<uuid>". Version 7 UUIDs sort by creation time, so IDs
// from one process order the same way their rows were written.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + id.String()
}
