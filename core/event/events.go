package event

import "fmt"

type EventType int

const (
	EVENT_TYPE_ACCEPT EventType = iota
	EVENT_TYPE_READ
	EVENT_TYPE_WRITE
	EVENT_TYPE_CLOSE
	EVENT_TYPE_CANCEL
)

func (et EventType) String() string {
	switch et {
	case EVENT_TYPE_ACCEPT:
		return "EVENT_TYPE_ACCEPT"
	case EVENT_TYPE_READ:
		return "EVENT_TYPE_READ"
	case EVENT_TYPE_WRITE:
		return "EVENT_TYPE_WRITE"
	case EVENT_TYPE_CLOSE:
		return "EVENT_TYPE_CLOSE"
	case EVENT_TYPE_CANCEL:
		return "EVENT_TYPE_CANCEL"
	default:
		return fmt.Sprintf("UNKNOWN: %d", et)
	}
}
