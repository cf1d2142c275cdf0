// Package instance names the running process in logs and lease owners.
package instance

import (
	"os"
	"strings"
)

const fallbackID = "orderflow-0"

// GetID returns ORDERFLOW_INSTANCE_ID, then the platform dyno name, then the
// hostname.
func GetID() string {
	for _, key := range []string{"ORDERFLOW_INSTANCE_ID", "DYNO"} {
		if id := strings.TrimSpace(os.Getenv(key)); id != "" {
			return id
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
