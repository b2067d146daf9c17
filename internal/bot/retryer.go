package bot

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/repo-helper/helperbot/internal/hberr"
	"github.com/repo-helper/helperbot/internal/logfields"
)

// Retryer executes a function repeatedly until it was successful or a cancel
// condition happened.
type Retryer struct {
	logger                     *zap.Logger
	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64
	shutdownChan               chan struct{}
}

func NewRetryer() *Retryer {
	return &Retryer{
		logger:                     zap.L().Named("retryer"),
		defTimeout:                 2 * time.Hour,
		backoffInitialInterval:     5 * time.Second,
		backoffRandomizationFactor: backoff.DefaultRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}
}

// Run executes fn until it was successful, it returned an error that does
// not wrap hberr.RetryableError, the retry timeout expired or the execution
// was aborted via the context or Stop().
//
// When a RetryableError specifies an After time, the retry is delayed at
// least until then.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF []zap.Field) error {
	var tryCnt uint

	ctx, cancel := context.WithTimeout(ctx, r.defTimeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.MaxElapsedTime = 0

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info(
				"handler execution cancelled",
				append(logF, logfields.Event("handler_execution_cancelled"), zap.Uint("try_count", tryCnt))...,
			)

			return ctx.Err()

		case <-r.shutdownChan:
			r.logger.Info(
				"bot terminating, handler not executed",
				append(logF, logfields.Event("handler_execution_cancelled_bot_terminated"), zap.Uint("try_count", tryCnt))...,
			)

			return nil

		case <-retryTimer.C:
			tryCnt++
			logger := r.logger.With(append(logF, zap.Uint("try_count", tryCnt))...)

			err := fn(ctx)
			if err == nil {
				logger.Debug(
					"handler executed successfully",
					logfields.Event("handler_executed_successfully"),
				)

				return nil
			}

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				logger.Error(
					"handler cancelled",
					logfields.Event("handler_cancelled"),
					zap.Error(err),
				)

				return err
			}

			var retryError *hberr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Error(
					"handler failed, not retryable",
					logfields.Event("handler_failed"),
					zap.Error(err),
				)

				return err
			}

			retryIn := bo.NextBackOff()
			if !retryError.After.IsZero() {
				if until := time.Until(retryError.After); until > retryIn {
					retryIn = until
				}
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"handler failed, retry scheduled",
				logfields.Event("handler_retry_scheduled"),
				zap.Duration("retry_in", retryIn),
				zap.Error(err),
			)
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	r.logger.Debug("retryer terminating", logfields.Event("retryer_terminating"))

	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
