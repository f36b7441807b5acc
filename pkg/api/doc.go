// Package api exposes the integration orchestrator over HTTP.
//
// Routes live under /api/v1/target-sources and map one-to-one onto
// orchestrator operations. The caller is identified by the X-User-Id,
// X-User-Name, X-User-Role and X-Service-Codes headers set by the
// fronting gateway. Failures are rendered as a JSON envelope carrying the
// stable error code, the HTTP status, whether the request may be retried
// and, for precondition failures, a remediation guide. Envelope keys are
// snake_case like every other body: the request ID is "request_id" and
// matches the X-Request-Id response header.
package api
