// Package gemini implements the wire-level pieces of the Gemini application
// protocol: request parsing and the two-digit response status codes.
package gemini

import "fmt"

// Response status codes used by the core, per the Gemini specification.
const (
	StatusInput            = 10
	StatusSensitiveInput   = 11
	StatusSuccess          = 20
	StatusRedirectTemp     = 30
	StatusRedirectPerm     = 31
	StatusTemporaryFailure = 40
	StatusServerUnavail    = 41
	StatusCGIError         = 42
	StatusProxyError       = 43
	StatusSlowDown         = 44
	StatusPermanentFailure = 50
	StatusNotFound         = 51
	StatusGone             = 52
	StatusProxyRefused     = 53
	StatusBadRequest       = 59
	StatusCertRequired     = 60
	StatusCertNotAuthed    = 61
	StatusCertNotValid     = 62
)

// MaxHeaderBytes is the largest a request line, including its terminating
// CRLF, may be.
const MaxHeaderBytes = 1024

// FormatHeader renders a response header line: "<code> <meta>\r\n".
func FormatHeader(code int, meta string) []byte {
	return []byte(fmt.Sprintf("%d %s\r\n", code, meta))
}

// IsSuccess reports whether code is in the 20-29 range, the only range that
// carries a response body.
func IsSuccess(code int) bool {
	return code >= 20 && code <= 29
}
