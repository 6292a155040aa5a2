package api

import (
	"errors"
	"net/http"

	"github.com/samcharles93/splice/internal/adapters/config"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

// classify maps an error to an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, config.ErrUnknownAdapter), errors.Is(err, config.ErrUnknownFusion):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, config.ErrDuplicate):
		return http.StatusConflict, "conflict_error"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, config.ErrConfig):
		return http.StatusBadRequest, "invalid_request_error"
	}
	return http.StatusInternalServerError, "server_error"
}

var errorCodes = []struct {
	err  error
	code string
}{
	{config.ErrUnknownAdapter, "unknown_adapter"},
	{config.ErrUnknownFusion, "unknown_fusion"},
	{config.ErrDuplicate, "duplicate"},
	{config.ErrUnknownPreset, "unknown_preset"},
	{config.ErrReductionFactor, "invalid_reduction_factor"},
	{config.ErrBatchSplit, "invalid_batch_split"},
	{config.ErrLocation, "unknown_location"},
	{config.ErrUnsupported, "unsupported"},
	{config.ErrComposition, "invalid_composition"},
}

// detail extracts the offending name and a stable code for clients that
// branch on the failure kind.
func detail(err error) (param, code string) {
	var cerr *config.Error
	if errors.As(err, &cerr) {
		param = cerr.Name
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return param, ec.code
		}
	}
	return param, ""
}
