//go:build !(linux || darwin || freebsd || openbsd)

package limits

import "github.com/sirupsen/logrus"

func collectLimitRequests(logger logrus.FieldLogger) []limitRequest {
	logger.Debug("No RLIMIT tuning on this platform; relying on kernel defaults")
	return nil
}
