package xid

import (
	"strings"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Code returns a short upper-case code such as CUST-1A2B3C4D.
func Code(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(raw[:8])
}
