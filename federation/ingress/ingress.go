// Package ingress negotiates the wire format of a GraphQL-over-HTTP
// response and derives its HTTP status code, keeping that policy out of
// gateway.ServeHTTP itself.
package ingress

import (
	"mime"
	"net/http"
	"strings"

	"github.com/n9te9/federation-gateway-core/federation/diagnostics"
)

// Format is a negotiated GraphQL-over-HTTP response media type.
type Format int

const (
	// FormatJSON is the legacy application/json media type: a well-formed
	// request always yields 200, errors travel in the response body's
	// "errors" array regardless of severity.
	FormatJSON Format = iota
	// FormatGraphQLResponseJSON is application/graphql-response+json: the
	// status code reflects whether the response carries data, per the
	// status code policy in StatusCode.
	FormatGraphQLResponseJSON
	// FormatEventStream is text/event-stream, used by @defer/@stream and
	// subscriptions. The gateway does not build incremental responses, so
	// negotiating this format still yields a single-shot JSON body; it is
	// recognized here only so callers can tell a client asked for it.
	FormatEventStream
)

// ContentType returns the media type string to send back as Content-Type.
func (f Format) ContentType() string {
	switch f {
	case FormatGraphQLResponseJSON:
		return "application/graphql-response+json"
	case FormatEventStream:
		return "text/event-stream"
	default:
		return "application/json"
	}
}

// NegotiateFormat parses an Accept header and picks the response format.
// It walks the header's comma-separated media ranges in order and returns
// the first one it recognizes, falling back to FormatJSON for an empty
// header, "*/*", or anything it doesn't recognize — which matches every
// client that predates application/graphql-response+json.
func NegotiateFormat(accept string) Format {
	if accept == "" {
		return FormatJSON
	}

	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}

		switch mediaType {
		case "application/graphql-response+json":
			return FormatGraphQLResponseJSON
		case "text/event-stream":
			return FormatEventStream
		case "application/json":
			return FormatJSON
		}
	}

	return FormatJSON
}

// codeStatus maps a diagnostic code to the HTTP status it implies under
// application/graphql-response+json. When a response carries several
// diagnostics, statusPriority picks among the resulting statuses.
func codeStatus(code diagnostics.Code) int {
	switch code {
	case diagnostics.CodeUnauthenticated:
		return http.StatusUnauthorized
	case diagnostics.CodeForbidden:
		return http.StatusForbidden
	case diagnostics.CodeSubgraphUnreachable:
		return http.StatusBadGateway
	case diagnostics.CodeInternal:
		return http.StatusInternalServerError
	case diagnostics.CodeGraphQLValidation,
		diagnostics.CodeVariableCoercion,
		diagnostics.CodeInaccessibleField,
		diagnostics.CodePlanningFailed,
		diagnostics.CodePersistedNotFound,
		diagnostics.CodeTrustedDocNotAllowed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// statusPriority ranks HTTP statuses so StatusCode can pick the most severe
// one present among several diagnostics; higher wins.
func statusPriority(status int) int {
	switch status {
	case http.StatusInternalServerError:
		return 5
	case http.StatusBadGateway:
		return 4
	case http.StatusForbidden:
		return 3
	case http.StatusUnauthorized:
		return 2
	case http.StatusBadRequest:
		return 1
	default:
		return 0
	}
}

// StatusCode implements the spec's status code policy: application/json
// always reports 200 for a well-formed request, regardless of diagnostics
// or whether data was produced. application/graphql-response+json reports
// 200 whenever the response carries data (even partial, even alongside
// field errors), and otherwise derives a 4xx/5xx status from the
// highest-priority diagnostic code present. A response with no diagnostics
// and no data still reports 200; that combination shouldn't arise, but
// nothing here should invent an error status the diagnostics didn't
// report.
func StatusCode(format Format, hasData bool, diags []*diagnostics.Diagnostic) int {
	if format != FormatGraphQLResponseJSON || hasData {
		return http.StatusOK
	}

	status := http.StatusOK
	for _, d := range diags {
		if d == nil {
			continue
		}
		raw, _ := d.Extensions["code"].(string)
		candidate := codeStatus(diagnostics.Code(raw))
		if statusPriority(candidate) > statusPriority(status) {
			status = candidate
		}
	}
	return status
}
