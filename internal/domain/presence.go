package domain

import "time"

// StatusType is a user's presence status.
type StatusType string

const (
	StatusOnline  StatusType = "online"
	StatusAway    StatusType = "away"
	StatusBusy    StatusType = "busy"
	StatusOffline StatusType = "offline"
)

// Valid reports whether s is one of the four known statuses.
func (s StatusType) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Manual reports whether s is a status set deliberately by the user rather
// than derived from activity. Manual statuses are sticky: the heartbeat never
// overwrites them and read-time decay never downgrades them.
func (s StatusType) Manual() bool {
	return s == StatusBusy
}

// Visibility controls who may observe a presence field.
type Visibility string

const (
	VisibilityEveryone Visibility = "everyone"
	VisibilityContacts Visibility = "contacts"
	VisibilityNobody   Visibility = "nobody"
)

// UserPresence is the authoritative presence row for a user. It is written
// only by the owning user's client; every other client sees it read-only
// through the decay projection.
type UserPresence struct {
	UserID             string     `json:"user_id"`
	StatusType         StatusType `json:"status_type"`
	CustomText         string     `json:"custom_text,omitempty"`
	LastActiveAt       time.Time  `json:"last_active_at"`
	StatusVisibility   Visibility `json:"status_visibility,omitempty"`
	LastSeenVisibility Visibility `json:"last_seen_visibility,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
