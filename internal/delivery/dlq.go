package delivery

import "time"

const DLQType = "fanout.dlq"

type DeadLetter struct {
	Type    string   `json:"type"`    // "fanout.dlq"
	Version string   `json:"version"` // schema version
	At      string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason  string   `json:"reason"`  // human/debug text
	Attempt int      `json:"attempt"` // attempt count when DLQ'd
	Causes  []string `json:"causes,omitempty"`
	Job     Job      `json:"job"` // full fan-out snapshot
}

func NewDeadLetter(j Job, attempt int, causes []string, reason string) DeadLetter {
	return DeadLetter{
		Type:    DLQType,
		Version: "v1",
		At:      time.Now().Format(time.RFC3339Nano),
		Reason:  reason,
		Attempt: attempt,
		Causes:  causes,
		Job:     j,
	}
}
