package model

import (
	"testing"
	"time"
)

func TestLockExpired(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{
			name:      "future expiry is live",
			expiresAt: now.Add(5 * time.Minute),
			want:      false,
		},
		{
			name:      "past expiry is expired",
			expiresAt: now.Add(-1 * time.Second),
			want:      true,
		},
		{
			name:      "exact expiry instant is expired",
			expiresAt: now,
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Lock{Name: "tenant:42:close", ExpiresAt: tt.expiresAt}
			if got := l.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLockRemaining(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	l := &Lock{ExpiresAt: now.Add(30 * time.Second)}
	if got := l.Remaining(now); got != 30*time.Second {
		t.Errorf("Remaining() = %v, want 30s", got)
	}

	expired := &Lock{ExpiresAt: now.Add(-30 * time.Second)}
	if got := expired.Remaining(now); got != 0 {
		t.Errorf("Remaining() on expired lock = %v, want 0", got)
	}
}
