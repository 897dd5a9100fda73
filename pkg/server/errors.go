package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/lkcomu/lkcomu/pkg/controller"
	"github.com/lkcomu/lkcomu/pkg/energosbyt"
	"github.com/lkcomu/lkcomu/pkg/types"
)

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var (
		countErr     *energosbyt.IndicationsCountError
		thresholdErr *energosbyt.IndicationsThresholdError
		periodErr    *energosbyt.SubmissionPeriodError
		invalidErr   *energosbyt.InvalidIndicationError
		unsupported  *energosbyt.UnsupportedAccountError
		authErr      *energosbyt.AuthenticationError
		transportErr *energosbyt.TransportError
		backendErr   *energosbyt.BackendError
	)
	switch {
	case errors.As(err, &countErr),
		errors.As(err, &thresholdErr),
		errors.As(err, &periodErr),
		errors.As(err, &invalidErr),
		errors.Is(err, types.ErrEmptyIndications):
		return http.StatusUnprocessableEntity
	case errors.As(err, &unsupported), errors.Is(err, controller.ErrMeterNotFound):
		return http.StatusNotFound
	case errors.Is(err, energosbyt.ErrNotSupported):
		return http.StatusBadRequest
	case errors.As(err, &authErr):
		return http.StatusBadGateway
	case errors.As(err, &transportErr), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &backendErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, err.Error(), statusForError(err))
}
