package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority orders tasks in the worker pool queue. Higher values run first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
	PriorityUrgent   Priority = 50
)

var priorityNames = map[string]Priority{
	"low":      PriorityLow,
	"normal":   PriorityNormal,
	"high":     PriorityHigh,
	"critical": PriorityCritical,
	"urgent":   PriorityUrgent,
}

// ParsePriority accepts a named level or a positive integer.
// An empty string maps to PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return PriorityNormal, nil
	}
	if p, ok := priorityNames[s]; ok {
		return p, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}

// String returns the level name for named priorities and the number otherwise.
func (p Priority) String() string {
	for name, v := range priorityNames {
		if v == p {
			return name
		}
	}
	return strconv.Itoa(int(p))
}
