package fhir

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// FHIRContentType is the FHIR JSON content type with charset.
const FHIRContentType = "application/fhir+json; charset=utf-8"

// ContentNegotiationMiddleware checks the _format query parameter, then the
// Accept header. Responses are always FHIR JSON; anything that asks only for
// XML or an unknown type is rejected with 406.
func ContentNegotiationMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if format := c.QueryParam("_format"); format != "" {
				if isXMLFormat(format) {
					return NotAcceptable("XML format is not supported. Use application/fhir+json.")
				}
				if !isJSONFormat(format) {
					return NotAcceptable("Unsupported _format value: %s", format)
				}
			} else if accept := c.Request().Header.Get("Accept"); accept != "" && !negotiateAccept(accept) {
				return NotAcceptable("Accept header does not include a supported FHIR content type. Use application/fhir+json.")
			}

			c.Response().Header().Set(echo.HeaderContentType, FHIRContentType)
			return next(c)
		}
	}
}

// normalizeFormat lowercases and restores the "+" that query-string
// decoding turns into a space ("application/fhir json").
func normalizeFormat(raw string) string {
	f := strings.TrimSpace(strings.ToLower(raw))
	f = strings.ReplaceAll(f, "fhir json", "fhir+json")
	f = strings.ReplaceAll(f, "fhir xml", "fhir+xml")
	return f
}

func isJSONFormat(format string) bool {
	switch normalizeFormat(format) {
	case "json", "application/json", "application/fhir+json":
		return true
	}
	return false
}

func isXMLFormat(format string) bool {
	switch normalizeFormat(format) {
	case "xml", "application/xml", "application/fhir+xml":
		return true
	}
	return false
}

// negotiateAccept reports whether any media type in an Accept header is
// JSON-compatible. Quality parameters are ignored.
func negotiateAccept(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		switch mediaType {
		case "application/fhir+json", "application/json", "json", "*/*", "application/*":
			return true
		}
	}
	return false
}
