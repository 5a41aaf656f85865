package session

import (
	"strings"

	"groupvault/internal/reconnect"
)

// Reason classifies a lost session.
type Reason = reconnect.Reason

var (
	logoutMarkers = []string{"LOGOUT", "UNPAIRED", "UNPAIRED_IDLE"}
	fatalMarkers  = []string{"CRASH", "OUT OF MEMORY", "OOM", "TARGET CLOSED", "BROWSER DISCONNECTED", "BROWSER CLOSED"}
)

// ClassifyReason maps a raw adapter disconnect reason onto a Reason.
// Unknown reasons are transient.
func ClassifyReason(raw string) Reason {
	upper := strings.ToUpper(raw)
	for _, m := range logoutMarkers {
		if strings.Contains(upper, m) {
			return reconnect.ReasonLogout
		}
	}
	for _, m := range fatalMarkers {
		if strings.Contains(upper, m) {
			return reconnect.ReasonFatal
		}
	}
	return reconnect.ReasonTransient
}
