package xid

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// New returns a lexically sortable identifier such as "sale_01J9Z...".
func New(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
