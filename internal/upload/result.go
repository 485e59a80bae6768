package upload

import (
	"context"
	"errors"

	"github.com/pocketcloud/pocketcloud/internal/remote"
)

// ResultCode classifies the terminal state of an upload job.
type ResultCode string

// Terminal states of an upload.
const (
	ResultOK            ResultCode = "ok"
	ResultCancelled     ResultCode = "cancelled"
	ResultSyncConflict  ResultCode = "sync_conflict"
	ResultQuotaExceeded ResultCode = "quota_exceeded"
	ResultUnauthorized  ResultCode = "unauthorized"
	ResultNetworkError  ResultCode = "network_error"
	ResultFileNotFound  ResultCode = "file_not_found"
	ResultForbidden     ResultCode = "forbidden"
	ResultAccountGone   ResultCode = "account_gone"
	ResultUnknown       ResultCode = "unknown_error"
)

// Result is the materialized outcome of a job. Failures inside the worker
// never unwind; they become Results.
type Result struct {
	Code ResultCode
	Err  error
}

// IsSuccess reports whether the upload completed.
func (r Result) IsSuccess() bool {
	return r.Code == ResultOK
}

// IsCancelled reports whether the upload ended by cancellation.
func (r Result) IsCancelled() bool {
	return r.Code == ResultCancelled
}

// NeedsCredentials reports whether the result indicates expired credentials.
func (r Result) NeedsCredentials() bool {
	return r.Code == ResultUnauthorized
}

// Silent reports whether the result is a silent terminal state that must not
// produce a user-visible notification.
func (r Result) Silent() bool {
	return r.Code == ResultCancelled || r.Code == ResultAccountGone
}

// okResult is the shared success value.
func okResult() Result {
	return Result{Code: ResultOK}
}

// resultFromError folds an error into the result taxonomy.
func resultFromError(err error) Result {
	switch {
	case err == nil:
		return okResult()
	case errors.Is(err, context.Canceled):
		return Result{Code: ResultCancelled, Err: err}
	case errors.Is(err, remote.ErrConflict):
		return Result{Code: ResultSyncConflict, Err: err}
	case errors.Is(err, remote.ErrQuotaExceeded):
		return Result{Code: ResultQuotaExceeded, Err: err}
	case errors.Is(err, remote.ErrUnauthorized):
		return Result{Code: ResultUnauthorized, Err: err}
	case errors.Is(err, remote.ErrNotFound):
		return Result{Code: ResultFileNotFound, Err: err}
	case errors.Is(err, remote.ErrForbidden):
		return Result{Code: ResultForbidden, Err: err}
	case errors.Is(err, remote.ErrUnreachable):
		return Result{Code: ResultNetworkError, Err: err}
	default:
		return Result{Code: ResultUnknown, Err: err}
	}
}
