package oracle

import "errors"

// Submission rejections. Every error returned by SubmitReport wraps exactly
// one of these sentinels so callers can branch with errors.Is.
var (
	ErrZeroPrice                     = errors.New("zero price")
	ErrInvalidTimestamp              = errors.New("invalid timestamp")
	ErrInvalidSignature              = errors.New("invalid signature")
	ErrUnauthorizedSigner            = errors.New("unauthorized signer")
	ErrDuplicateOrUnorderedSignature = errors.New("duplicate or unordered signature")
	ErrInsufficientSignatures        = errors.New("insufficient signatures")
	ErrDeviationExceeded             = errors.New("deviation exceeded")
)

// Administrative rejections.
var (
	ErrInvalidQuorum     = errors.New("invalid quorum")
	ErrDuplicateReporter = errors.New("duplicate reporter")
	ErrUnknownReporter   = errors.New("unknown reporter")
	ErrZeroAddress       = errors.New("zero address")
)

var errorCodes = map[error]string{
	ErrZeroPrice:                     "zero_price",
	ErrInvalidTimestamp:              "invalid_timestamp",
	ErrInvalidSignature:              "invalid_signature",
	ErrUnauthorizedSigner:            "unauthorized_signer",
	ErrDuplicateOrUnorderedSignature: "duplicate_or_unordered_signature",
	ErrInsufficientSignatures:        "insufficient_signatures",
	ErrDeviationExceeded:             "deviation_exceeded",
	ErrInvalidQuorum:                 "invalid_quorum",
	ErrDuplicateReporter:             "duplicate_reporter",
	ErrUnknownReporter:               "unknown_reporter",
	ErrZeroAddress:                   "zero_address",
}

// ErrorCode maps err to the stable machine-readable code transports put on
// the wire. Errors that wrap no sentinel map to "internal"; nil maps to "".
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, code := range errorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}
