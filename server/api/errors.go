package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/frobware/go-nicctl"
)

// codeMap pairs each sentinel with its status code. Order matters:
// ToStatus picks the first sentinel the error matches.
var codeMap = []struct {
	err  error
	code codes.Code
}{
	{nicctl.ErrControllerRebooted, codes.Aborted},
	{nicctl.ErrDisabled, codes.FailedPrecondition},
	{nicctl.ErrNotFound, codes.NotFound},
	{nicctl.ErrAlreadyExists, codes.AlreadyExists},
	{nicctl.ErrPermissionDenied, codes.PermissionDenied},
	{nicctl.ErrBusy, codes.Unavailable},
	{nicctl.ErrProtocolTimeout, codes.Unavailable},
	{nicctl.ErrOutOfSpace, codes.ResourceExhausted},
	{nicctl.ErrNotSupported, codes.Unimplemented},
	{nicctl.ErrNotImplemented, codes.Unimplemented},
	{nicctl.ErrMalformedResponse, codes.DataLoss},
	{nicctl.ErrEventQueueOverflow, codes.Aborted},
}

// ToStatus converts a manager error into a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	for _, m := range codeMap {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// statusError keeps the server's message and matches the sentinel
// the status code stands for.
type statusError struct {
	msg      string
	sentinel error
}

func (e *statusError) Error() string { return e.msg }

func (e *statusError) Unwrap() error { return e.sentinel }

// FromStatus converts a status error back into an error that matches
// the sentinel its code stands for. Codes shared by two sentinels map
// to the first in the table: Unavailable to ErrBusy, Unimplemented to
// ErrNotSupported.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Canceled:
		return &statusError{msg: st.Message(), sentinel: context.Canceled}
	case codes.DeadlineExceeded:
		return &statusError{msg: st.Message(), sentinel: context.DeadlineExceeded}
	}
	for _, m := range codeMap {
		if m.code == st.Code() {
			return &statusError{msg: st.Message(), sentinel: m.err}
		}
	}
	return err
}
