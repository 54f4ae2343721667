package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()

	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.InitialBackoff != time.Second {
		t.Errorf("InitialBackoff = %v, want 1s", cfg.InitialBackoff)
	}
	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %v, want 2.0", cfg.BackoffMultiplier)
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
	}

	tests := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.backoff(tt.n); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestRetryConfig_ForClass(t *testing.T) {
	cfg := DefaultRetryConfig()

	if got := cfg.forClass(ErrorClassServer).InitialBackoff; got != time.Second {
		t.Errorf("server InitialBackoff = %v, want 1s", got)
	}
	if got := cfg.forClass(ErrorClassRateLimit).InitialBackoff; got != 2*time.Second {
		t.Errorf("rate_limit InitialBackoff = %v, want 2s", got)
	}
	if cfg.InitialBackoff != time.Second {
		t.Error("forClass must not mutate the receiver")
	}
}

func TestRetryConfig_Jitter(t *testing.T) {
	cfg := RetryConfig{Jitter: 0.2}
	base := time.Second

	for i := 0; i < 100; i++ {
		got := cfg.jittered(base)
		if got < 800*time.Millisecond || got > 1200*time.Millisecond {
			t.Fatalf("jittered(%v) = %v, want within ±20%%", base, got)
		}
	}

	if got := (RetryConfig{}).jittered(base); got != base {
		t.Errorf("jittered without jitter = %v, want %v", got, base)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := sleep(ctx, time.Hour)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("sleep() error = %v, want ErrContextCancelled", err)
	}
	if err := sleep(context.Background(), 0); err != nil {
		t.Errorf("sleep(0) error = %v, want nil", err)
	}
}
