package relay

import (
	"log"
	"os"
	"strings"
)

var relayDebugEnabled = strings.EqualFold(os.Getenv("NODECOLLAB_RELAY_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if relayDebugEnabled {
		log.Printf(format, args...)
	}
}
