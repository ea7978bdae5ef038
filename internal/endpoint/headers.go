package endpoint

// HTTP header names the endpoint worker sets or reads on outbound FDSN
// requests and inbound responses. Adapted from the teacher's
// web/auth const block (a bare, ungrouped constant list is the
// teacher's convention for wire-level string constants).
const (
	headerContentType     = "Content-Type"
	headerContentEncoding = "Content-Encoding"
	headerAcceptEncoding  = "Accept-Encoding"
	headerUserAgent       = "User-Agent"
	headerXRequestID      = "X-Request-Id"

	userAgent = "eida-federator"
)
