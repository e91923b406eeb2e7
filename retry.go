package rmstore

import (
	"time"

	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
	"github.com/sirupsen/logrus"
	"github.com/yichen/retry"
)

// outcome classifies a coordination-service result per SPEC_FULL.md §4.2's table.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeIdempotentSuccess
	outcomeFenced
	outcomeTransient
	outcomeSessionLost
	outcomeOther
)

func classify(err error) outcome {
	switch err {
	case nil:
		return outcomeSuccess
	case zk.ErrNodeExists:
		return outcomeIdempotentSuccess
	case zk.ErrNoAuth:
		return outcomeFenced
	case zk.ErrConnectionClosed, zk.ErrNoServer:
		return outcomeTransient
	case zk.ErrSessionExpired, zk.ErrSessionMoved:
		return outcomeSessionLost
	default:
		return outcomeOther
	}
}

func (o outcome) label() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeIdempotentSuccess:
		return "idempotent_success"
	case outcomeFenced:
		return "fenced"
	case outcomeTransient:
		return "transient"
	case outcomeSessionLost:
		return "session_lost"
	default:
		return "other"
	}
}

// retryEngine runs a store operation through the outcome-classification table,
// bounded by numRetries, reconnecting on session loss and converting NoAuth into
// StoreFenced under HA. Grounded on the teacher's
// retry.RetryWithBackoff(zkRetryOptions, func() (retry.RetryStatus, error) {...})
// shape (connection.go); unlike the teacher's zkRetryOptions (MaxRetries: 0,
// infinite), this is always bounded, because unbounded retry cannot coexist with
// the epoch-fencing contract (SPEC_FULL.md §4.2).
type retryEngine struct {
	client        *client
	numRetries    int
	retryInterval time.Duration
	haEnabled     bool
	reconnect     func() error
	metrics       *Metrics
	log           *logrus.Entry
}

func newRetryEngine(c *client, cfg Config, reconnect func() error, log *logrus.Entry) *retryEngine {
	return &retryEngine{
		client:        c,
		numRetries:    cfg.NumRetries,
		retryInterval: cfg.RetryInterval,
		haEnabled:     cfg.HAEnabled,
		reconnect:     reconnect,
		log:           log,
	}
}

// run executes action, classifying and retrying per the outcome table. action
// returns the raw error from a zkConn call.
func (r *retryEngine) run(action func(zkConn) error) error {
	opts := retry.RetryOptions{
		"rmstore-zk",
		r.retryInterval,
		r.retryInterval,
		1,
		r.numRetries,
		false,
	}

	var lastErr error
	err := retry.RetryWithBackoff(opts, func() (retry.RetryStatus, error) {
		if waitErr := r.client.waitConnected(); waitErr != nil {
			lastErr = waitErr
			return retry.RetryContinue, nil
		}

		conn, connErr := r.client.underlying()
		if connErr != nil {
			lastErr = connErr
			return retry.RetryContinue, nil
		}

		err := action(conn)
		oc := classify(err)
		if r.metrics != nil {
			r.metrics.RetryOutcomes.WithLabelValues(oc.label()).Inc()
		}
		switch oc {
		case outcomeSuccess, outcomeIdempotentSuccess:
			lastErr = nil
			return retry.RetryBreak, nil
		case outcomeFenced:
			if r.haEnabled {
				r.client.markFenced()
				lastErr = ErrStoreFenced
				return retry.RetryBreak, nil
			}
			lastErr = err
			return retry.RetryContinue, nil
		case outcomeTransient:
			lastErr = err
			if r.log != nil {
				r.log.WithField("err", err).Debug("transient error, retrying same session")
			}
			return retry.RetryContinue, nil
		case outcomeSessionLost:
			lastErr = err
			if r.log != nil {
				r.log.WithField("err", err).Info("session lost, reconnecting")
			}
			if r.reconnect != nil {
				if recErr := r.reconnect(); recErr != nil {
					lastErr = recErr
					return retry.RetryContinue, nil
				}
			}
			return retry.RetryContinue, nil
		default:
			lastErr = err
			return retry.RetryContinue, nil
		}
	})

	if err != nil && lastErr == nil {
		lastErr = ErrRetriesExhausted
	}
	if lastErr != nil && classify(lastErr) == outcomeOther {
		// Wrap with pkg/errors so the classification context survives further
		// wrapping at C5's call boundary while errors.Is/errors.Cause both still
		// reach the original sentinel (SPEC_FULL.md §7).
		return errors.Wrap(lastErr, "rmstore: zk operation failed after retry budget")
	}
	return lastErr
}
