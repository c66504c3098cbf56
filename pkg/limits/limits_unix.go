//go:build linux || darwin || freebsd || openbsd

package limits

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func collectLimitRequests(logger logrus.FieldLogger) []limitRequest {
	return []limitRequest{
		buildTargetRequest("open files (rlimit_nofile)", unix.RLIMIT_NOFILE, desiredOpenFiles, logger),
		buildTargetRequest("process count (rlimit_nproc)", unix.RLIMIT_NPROC, desiredProcesses, logger),
	}
}

// rlimitValue is the field type of unix.Rlimit, which is signed on FreeBSD.
type rlimitValue interface {
	~int64 | ~uint64
}

func setLimit[T rlimitValue](dst *T, v uint64) {
	*dst = T(v)
}

// buildTargetRequest raises the soft and hard limits toward target. The hard
// limit is never lowered, and when raising it is refused the soft limit is
// raised up to the existing hard limit instead.
func buildTargetRequest(label string, resource int, target uint64, logger logrus.FieldLogger) limitRequest {
	return limitRequest{
		description: fmt.Sprintf("%s -> %d", label, target),
		apply: func() error {
			var current unix.Rlimit
			if err := unix.Getrlimit(resource, &current); err != nil {
				return fmt.Errorf("failed reading %s: %w", label, err)
			}

			curMax := uint64(current.Max)
			wantMax := max(target, curMax)
			if uint64(current.Cur) >= target && curMax >= wantMax {
				return nil
			}

			desired := current
			setLimit(&desired.Cur, target)
			setLimit(&desired.Max, wantMax)
			err := unix.Setrlimit(resource, &desired)
			if err == nil {
				return nil
			}

			logger.Debugf("Adjusting %s hit %v; retrying within the existing hard limit", label, err)
			fallback := current
			setLimit(&fallback.Cur, min(target, curMax))
			if uint64(fallback.Cur) <= uint64(current.Cur) {
				return fmt.Errorf("failed raising %s: %w", label, err)
			}
			if err := unix.Setrlimit(resource, &fallback); err != nil {
				return fmt.Errorf("failed setting %s even after fallback: %w", label, err)
			}
			return nil
		},
	}
}
