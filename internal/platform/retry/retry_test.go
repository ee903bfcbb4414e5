package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name      string
		retries   int
		failures  int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 2, 0, false, 1, false},
		{"success after two failures", 2, 2, false, 3, false},
		{"exhausted", 2, 5, false, 3, true},
		{"no retries", 0, 1, false, 1, true},
		{"permanent stops", 5, 5, true, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), Policy{Retries: tt.retries, Delay: time.Millisecond}, nil, "test", func() error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return Permanent(boom)
					}
					return boom
				}
				return nil
			})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, boom) {
				t.Errorf("expected boom, got %v", err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, Policy{Retries: 3, Delay: time.Millisecond}, nil, "test", func() error {
		calls++
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected a single call with cancelled context, got %d", calls)
	}
}
