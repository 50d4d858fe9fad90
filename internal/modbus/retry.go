package modbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lumberbarons/modbus-gateway/internal/model"
)

// RetryPolicy is the protocol client's retry/backoff configuration
// (spec.md §4.3): up to Retries attempts beyond the first, sleeping
// RetryDelay between attempts and doubling that delay on each failure up
// to a 10x ceiling.
type RetryPolicy struct {
	Retries    int
	RetryDelay time.Duration
}

// ExchangeError reports the outcome of a protocol client exchange that
// ultimately failed, carrying the classified ErrorKind so callers (the
// poller, DeviceStatus tracking) don't need to re-inspect the error chain.
type ExchangeError struct {
	Kind     model.ErrorKind
	Attempts int
	Err      error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("modbus: exchange failed after %d attempt(s): %s: %v", e.Attempts, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// sendCloser is what retryingTransporter needs from the handler it wraps:
// Send to exchange a frame, Close to force a reconnect on the next Send
// after an error kind that demands one. Satisfied by any ClientHandler.
type sendCloser interface {
	Transporter
	Close() error
}

// retryingTransporter decorates a Transporter with the retry/backoff/
// reconnect policy of spec.md §4.3. Exception responses and other
// non-retryable errors are returned immediately. Errors that force a
// reconnect close the underlying transport so the next Send re-dials.
// Only failures returned by the wrapped Send pass through this decorator:
// checksum, transaction-id and framing errors that client.send detects
// afterwards in Packager.Verify/Decode reach the caller without a retry.
type retryingTransporter struct {
	sendCloser
	policy  RetryPolicy
	onError func(kind model.ErrorKind, err error, attempt int)
}

// NewRetryingTransporter wraps t with the configured retry policy. onError,
// if non-nil, is invoked once per failed attempt (including the ones that
// are subsequently retried) so the caller can emit an ErrorEvent and
// increment device_errors_total{device,kind}.
func NewRetryingTransporter(t sendCloser, policy RetryPolicy, onError func(kind model.ErrorKind, err error, attempt int)) Transporter {
	return &retryingTransporter{sendCloser: t, policy: policy, onError: onError}
}

func (r *retryingTransporter) Send(ctx context.Context, aduRequest []byte) (aduResponse []byte, err error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.RetryDelay
	b.MaxInterval = r.policy.RetryDelay * 10
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // bounded by MaxRetries below, not elapsed wall time
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.policy.Retries)), ctx)

	attempt := 0
	var lastKind model.ErrorKind
	var lastErr error

	operation := func() error {
		attempt++
		resp, sendErr := r.sendCloser.Send(ctx, aduRequest)
		if sendErr == nil {
			aduResponse = resp
			return nil
		}

		kind := ClassifyError(sendErr)
		lastKind, lastErr = kind, sendErr
		if r.onError != nil {
			r.onError(kind, sendErr, attempt)
		}
		if !kind.Retryable() {
			return backoff.Permanent(sendErr)
		}
		if kind.ForcesReconnect() {
			_ = r.sendCloser.Close()
		}
		return sendErr
	}

	if err = backoff.Retry(operation, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, &ExchangeError{Kind: lastKind, Attempts: attempt, Err: lastErr}
	}
	return aduResponse, nil
}

// ClassifyError maps an error from a protocol client exchange into the
// ErrorKind taxonomy of spec.md §7, so the retry policy and DeviceStatus/
// ErrorEvent reporting can dispatch on it uniformly. Transport and codec
// errors arrive pre-classified as *TransportError (tagged at the point the
// failure occurred, in the tcp/rtu/ascii Send implementations and in
// client.send()'s Verify/Decode step); this just reads the tag off, falling
// back to exception-response detection and a generic write-error kind for
// anything that reached here unclassified.
func ClassifyError(err error) model.ErrorKind {
	if err == nil {
		return model.ErrorKindNone
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return model.ErrorKindExceptionResponse
	}
	return model.ErrorKindWriteError
}
