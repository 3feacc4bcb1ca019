package ledger

import (
	"time"

	"github.com/dukerupert/renderlicense/internal/model"
)

const day = 24 * time.Hour

// Derive computes the license status from its stored fields at now.
// is_active=false wins over any expiry; an absent expiry never lapses.
func Derive(isActive bool, nextChargeAt *time.Time, now time.Time) model.Status {
	if !isActive {
		return model.StatusInactive
	}
	if nextChargeAt == nil || nextChargeAt.After(now) {
		return model.StatusActive
	}
	return model.StatusExpired
}

// StatusOf is Derive for a possibly missing license.
func StatusOf(l *model.License, now time.Time) model.Status {
	if l == nil {
		return model.StatusNotFound
	}
	return Derive(l.IsActive, l.NextChargeAt, now)
}

// DaysLeft returns the whole days remaining until expiry, never negative.
func DaysLeft(l *model.License, now time.Time) int {
	if l == nil || l.NextChargeAt == nil || !l.NextChargeAt.After(now) {
		return 0
	}
	return int(l.NextChargeAt.Sub(now) / day)
}

// SnapshotOf builds the shared read model for l at now.
func SnapshotOf(l *model.License, telegramID int64, now time.Time) model.Snapshot {
	status := StatusOf(l, now)
	snap := model.Snapshot{
		Exists:     l != nil,
		Active:     status == model.StatusActive,
		Status:     status,
		TelegramID: telegramID,
	}
	if l == nil {
		return snap
	}
	snap.Key = l.Key
	if l.NextChargeAt != nil {
		t := l.NextChargeAt.UTC()
		snap.NextChargeAt = &t
	}
	snap.DaysLeft = DaysLeft(l, now)
	return snap
}

// Days converts a day count into a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * day
}
