package model

import (
	"fmt"
	"time"
)

// TransferStatus is the lifecycle state of a transfer.
type TransferStatus string

const (
	TransferPending  TransferStatus = "pending"
	TransferInFlight TransferStatus = "in_flight"
	TransferComplete TransferStatus = "complete"
	TransferFailed   TransferStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TransferStatus) Terminal() bool {
	return s == TransferComplete || s == TransferFailed
}

// Direction distinguishes uploads from downloads.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// TransferProgress tracks one upload or download. Sizes are MiB rounded to
// two decimals. TotalMB is nil until the size is known.
type TransferProgress struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	Key           string         `gorm:"uniqueIndex;size:64;not null" json:"key"`
	Direction     Direction      `gorm:"size:16;not null" json:"direction"`
	HostID        uint           `gorm:"index;not null" json:"hostId"`
	RemotePath    string         `gorm:"size:1024;not null" json:"remotePath"`
	LocalName     string         `gorm:"size:1024" json:"localName"`
	TransferredMB float64        `json:"transferredMb"`
	TotalMB       *float64       `json:"totalMb"`
	Status        TransferStatus `gorm:"size:16;not null;default:pending" json:"status"`
	Error         string         `gorm:"type:text" json:"error,omitempty"`
	StartedAt     *time.Time     `json:"startedAt"`
	CompletedAt   *time.Time     `json:"completedAt"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// ErrInvalidTransition is returned when a status change would move backward
// or leave a terminal state.
type ErrInvalidTransition struct {
	From, To TransferStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transfer transition %s -> %s", e.From, e.To)
}

var transferOrder = map[TransferStatus]int{
	TransferPending:  0,
	TransferInFlight: 1,
	TransferComplete: 2,
	TransferFailed:   2,
}

// Transition moves the record to next. Entering in_flight stamps StartedAt
// only when it is unset; re-entering in_flight is a no-op. Terminal states
// stamp CompletedAt.
func (p *TransferProgress) Transition(next TransferStatus, now time.Time) error {
	if p.Status == "" {
		p.Status = TransferPending
	}
	if p.Status.Terminal() {
		return &ErrInvalidTransition{From: p.Status, To: next}
	}
	if transferOrder[next] < transferOrder[p.Status] {
		return &ErrInvalidTransition{From: p.Status, To: next}
	}

	p.Status = next
	switch next {
	case TransferInFlight:
		if p.StartedAt == nil {
			t := now
			p.StartedAt = &t
		}
	case TransferComplete, TransferFailed:
		t := now
		p.CompletedAt = &t
	}
	return nil
}

// Reset returns the record to pending for a retry, clearing counters.
func (p *TransferProgress) Reset() {
	p.Status = TransferPending
	p.TransferredMB = 0
	p.Error = ""
	p.StartedAt = nil
	p.CompletedAt = nil
}
