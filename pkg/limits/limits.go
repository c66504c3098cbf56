// Package limits raises OS resource limits at startup so a busy relay does not
// run out of file descriptors. Each relayed connection holds two sockets.
package limits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	desiredOpenFiles = 100000
	desiredProcesses = 100000

	applyTimeout = 5 * time.Second
)

type limitRequest struct {
	description string
	apply       func() error
}

type limitResult struct {
	description string
	err         error
}

// SetupLimits applies the platform's limit changes. Failures are logged and
// returned joined together; callers are expected to carry on regardless.
func SetupLimits(logger logrus.FieldLogger) error {
	return applyRequests(logger, collectLimitRequests(logger))
}

func applyRequests(logger logrus.FieldLogger, requests []limitRequest) error {
	if len(requests) == 0 {
		logger.Info("No system limit changes required on this platform")
		return nil
	}

	requestChan := make(chan limitRequest)
	resultChan := make(chan limitResult, len(requests))

	go func() {
		defer close(resultChan)
		for req := range requestChan {
			logger.Debugf("Applying system limit: %s", req.description)
			resultChan <- limitResult{description: req.description, err: req.apply()}
		}
	}()

	go func() {
		defer close(requestChan)
		for _, req := range requests {
			requestChan <- req
		}
	}()

	successful := make([]string, 0, len(requests))
	var failures []string
	var errs []error

	timeout := time.NewTimer(applyTimeout)
	defer timeout.Stop()

collect:
	for range requests {
		select {
		case res, ok := <-resultChan:
			if !ok {
				break collect
			}
			if res.err != nil {
				failures = append(failures, fmt.Sprintf("%s failed: %v", res.description, res.err))
				errs = append(errs, res.err)
				continue
			}
			successful = append(successful, res.description)
		case <-timeout.C:
			failures = append(failures, "timed out")
			errs = append(errs, errors.New("system limit adjustment timed out"))
			break collect
		}
	}

	if len(errs) == 0 {
		logger.Infof("System limits applied successfully: %s", strings.Join(successful, "; "))
		return nil
	}

	logger.Warnf("System limits encountered issues: %s", strings.Join(failures, "; "))
	return fmt.Errorf("system limit adjustment failed: %w", errors.Join(errs...))
}
