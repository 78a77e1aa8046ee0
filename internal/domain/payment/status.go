package payment

import "strings"

type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusPending    Status = "pending"
	StatusAuthorized Status = "authorized"
	StatusApproved   Status = "approved"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
)

var priority = map[Status]int{
	StatusUnknown:    0,
	StatusPending:    1,
	StatusAuthorized: 2,
	StatusApproved:   3,
	StatusCanceled:   4,
	StatusFailed:     5,
	StatusCompleted:  6,
}

// ParseStatus maps a gateway status string onto the known set.
func ParseStatus(s string) Status {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if st == "cancelled" {
		return StatusCanceled
	}
	if _, ok := priority[st]; ok {
		return st
	}
	return StatusUnknown
}

func (s Status) Priority() int {
	if p, ok := priority[s]; ok {
		return p
	}
	return -1
}

// Supersedes reports whether next may overwrite s.
func (s Status) Supersedes(next Status) bool {
	if s == "" {
		return true
	}
	return next.Priority() >= s.Priority()
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}
