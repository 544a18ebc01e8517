package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/smartcontractkit/chainlink-quorum-oracle/oracle"
)

// ErrorResponse is the JSON error envelope. Code is the stable
// machine-readable error code; Message is human-readable detail.
type ErrorResponse struct {
	Err        error `json:"-"`
	HTTPStatus int   `json:"-"`

	Status  string `json:"status"`
	Code    string `json:"errorCode,omitempty"`
	Message string `json:"error,omitempty"`
}

func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatus)
	return nil
}

func (e *ErrorResponse) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func newErrorResponse(status int, code string, err error) *ErrorResponse {
	return &ErrorResponse{
		Err:        err,
		HTTPStatus: status,
		Status:     http.StatusText(status),
		Code:       code,
		Message:    err.Error(),
	}
}

func badRequest(code string, err error) *ErrorResponse {
	return newErrorResponse(http.StatusBadRequest, code, err)
}

var (
	errNotFound     = &ErrorResponse{HTTPStatus: http.StatusNotFound, Status: http.StatusText(http.StatusNotFound), Code: "not_found"}
	errNoRounds     = &ErrorResponse{HTTPStatus: http.StatusNotFound, Status: http.StatusText(http.StatusNotFound), Code: "no_rounds", Message: "no round accepted yet"}
	errUnauthorized = &ErrorResponse{HTTPStatus: http.StatusUnauthorized, Status: http.StatusText(http.StatusUnauthorized), Code: "unauthorized", Message: "missing or invalid bearer token"}
)

// toErrorResponse maps oracle errors onto HTTP statuses. Submission
// rejections are 422s: the request was well-formed, the report just failed
// verification.
func toErrorResponse(err error) *ErrorResponse {
	var status int
	switch {
	case errors.Is(err, oracle.ErrUnknownReporter):
		status = http.StatusNotFound
	case errors.Is(err, oracle.ErrDuplicateReporter):
		status = http.StatusConflict
	case errors.Is(err, oracle.ErrInvalidQuorum), errors.Is(err, oracle.ErrZeroAddress):
		status = http.StatusBadRequest
	default:
		if code := oracle.ErrorCode(err); code != "internal" && code != "" {
			status = http.StatusUnprocessableEntity
		} else {
			status = http.StatusInternalServerError
		}
	}
	return newErrorResponse(status, oracle.ErrorCode(err), err)
}
