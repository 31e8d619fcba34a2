package streamcore

import (
	"log"
	"os"
)

// debugLog logs debug messages only if VIBETUNNEL_DEBUG is set, matching the
// convention repeated in pkg/api and pkg/session.
func debugLog(format string, args ...interface{}) {
	if os.Getenv("VIBETUNNEL_DEBUG") != "" {
		log.Printf(format, args...)
	}
}
