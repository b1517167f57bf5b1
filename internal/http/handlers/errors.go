// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on messages. Generic codes mirror HTTP status semantics, the rest name
// the operation that failed.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "invalid_page",
//	  "message": "page must be >= 1 and size within [1, 100]"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidPage  = "invalid_page"
	ErrCodeCreateFailed = "create_failed"
	ErrCodeListFailed   = "list_failed"
	ErrCodeGetFailed    = "get_failed"

	ErrCodeIdempotencyConflict = "idempotency_conflict"
)
