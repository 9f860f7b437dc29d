package jobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"msgdeck/internal/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"explicit kind", Fail(KindInvalidModelOutput, errors.New("bad json")), KindInvalidModelOutput},
		{"explicit kind wrapped", fmt.Errorf("report: %w", Fail(KindBatchTooLarge, nil)), KindBatchTooLarge},
		{"cancelled", context.Canceled, KindCancelled},
		{"cancelled wrapped", fmt.Errorf("sync page: %w", context.Canceled), KindCancelled},
		{"auth sentinel", transport.ErrAuthRequired, KindAuthRequired},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindTransientNetwork},
		{"unknown", errors.New("mystery"), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

// Jobs run under a cancel context, so a deadline always comes from a
// collaborator timeout (an HTTP client, a dial). That is a retryable
// network condition, not a user cancellation.
func TestClassifyDeadlineIsTransientNetwork(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
	}{
		{"bare deadline", context.DeadlineExceeded},
		{"wrapped deadline", fmt.Errorf("llm request: %w", context.DeadlineExceeded)},
		{"expired context", func() error {
			ctx, cancel := context.WithDeadline(context.Background(), time.Time{})
			defer cancel()
			<-ctx.Done()
			return fmt.Errorf("fetch page: %w", ctx.Err())
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			if got == KindCancelled {
				t.Fatalf("deadline classified as cancelled: %v", tc.err)
			}
			if got != KindTransientNetwork {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, KindTransientNetwork)
			}
		})
	}
}
