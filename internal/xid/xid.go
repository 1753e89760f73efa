package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns "<prefix>-<uuid>".
func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Valid reports whether id was produced by New with the same prefix.
func Valid(prefix string, id string) bool {
	rest, ok := strings.CutPrefix(strings.TrimSpace(id), prefix+"-")
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
