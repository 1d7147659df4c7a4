package sender

import "time"

// Sender states reported through heartbeats.
const (
	StateSleep   = "SLEEP"
	StateSending = "SENDING"
	StateIdle    = "IDLE"
	StateExit    = "EXIT"
)

// Heartbeat is the child→supervisor liveness message. NextWakeAt is the
// child's own promise of when it will report again; the supervisor only
// declares it stale after NextWakeAt plus a grace period.
type Heartbeat struct {
	MailboxID  int64
	TS         time.Time
	NextWakeAt time.Time
	State      string
	CampaignID int64
	Reason     string
}
