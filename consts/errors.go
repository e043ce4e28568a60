package consts

import "errors"

// Failure kinds of a single verification attempt. They are used to classify
// and log failures inside the components; none of them crosses the provider
// boundary, where every failure collapses into a verdict.
var (
	ErrIncompleteRequest = errors.New("incomplete credential request")
	ErrInvalidUsername   = errors.New("invalid username")
	ErrTransport         = errors.New("transport failure")
	ErrStatusMismatch    = errors.New("unexpected status code")
	ErrAuthRejected      = errors.New("authentication rejected")
)
