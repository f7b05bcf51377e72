package transfer

import (
	"math"
	"time"

	"github.com/rileyhilliard/fleet/internal/model"
)

const bytesPerMB = 1024 * 1024

// ToMB converts bytes to the record unit, MiB rounded to two decimals.
func ToMB(n int64) float64 {
	return math.Round(float64(n)/bytesPerMB*100) / 100
}

// View is a transfer record plus the fields derived from it on read.
type View struct {
	model.TransferProgress
	// Percentage is nil while the total size is unknown.
	Percentage *float64 `json:"percentage"`
	// BytesPerSecond is the average rate since the transfer started.
	BytesPerSecond float64 `json:"bytesPerSecond"`
	// ETASeconds is nil unless the transfer is in flight and moving.
	ETASeconds *int64 `json:"etaSeconds"`
}

// Derive computes percentage, throughput and ETA for p at now.
func Derive(p model.TransferProgress, now time.Time) View {
	v := View{TransferProgress: p}

	if p.TotalMB != nil && *p.TotalMB > 0 {
		pct := math.Round(p.TransferredMB / *p.TotalMB * 100 * 100) / 100
		v.Percentage = &pct
	}

	if p.StartedAt != nil {
		end := now
		if p.CompletedAt != nil {
			end = *p.CompletedAt
		}
		if elapsed := end.Sub(*p.StartedAt).Seconds(); elapsed > 0 {
			v.BytesPerSecond = math.Round(p.TransferredMB*bytesPerMB/elapsed*100) / 100
		}
	}

	if p.Status == model.TransferInFlight && v.BytesPerSecond > 0 && p.TotalMB != nil {
		remaining := (*p.TotalMB - p.TransferredMB) * bytesPerMB
		if remaining < 0 {
			remaining = 0
		}
		eta := int64(math.Ceil(remaining / v.BytesPerSecond))
		v.ETASeconds = &eta
	}
	return v
}
