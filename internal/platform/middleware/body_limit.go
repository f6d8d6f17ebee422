package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ohm/healthmanager/internal/platform/fhir"
)

// BodyLimit caps request bodies at limit. POSTs to bundlePath (the FHIR base
// taking transaction bundles) and to $process-message may use bundleLimit
// instead, since message and transaction Bundles carry whole data sets.
//
// Limits are human-readable sizes: "512K", "10M", "1G". A bare number is
// bytes. Oversized bodies fail with 413.
func BodyLimit(limit, bundleLimit, bundlePath string) echo.MiddlewareFunc {
	defaultBytes := ParseLimit(limit)
	bundleBytes := ParseLimit(bundleLimit)
	bundlePath = strings.TrimSuffix(bundlePath, "/")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			max := defaultBytes
			if req.Method == http.MethodPost && isBundlePath(req.URL.Path, bundlePath) {
				max = bundleBytes
			}
			if req.ContentLength > max {
				return tooLarge(max)
			}

			// Content-Length may be absent or wrong.
			req.Body = &limitedReadCloser{ReadCloser: req.Body, remaining: max, limit: max}
			return next(c)
		}
	}
}

func isBundlePath(path, base string) bool {
	path = strings.TrimSuffix(path, "/")
	return path == base || path == base+"/$process-message"
}

type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	limit     int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, tooLarge(r.limit)
	}

	// Read one byte past the limit to detect overflow.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.ReadCloser.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, tooLarge(r.limit)
	}
	return n, err
}

func tooLarge(limit int64) error {
	return &fhir.OperationError{
		Status:    http.StatusRequestEntityTooLarge,
		IssueType: fhir.IssueTypeTooCostly,
		Msg:       "request body exceeds maximum allowed size of " + strconv.FormatInt(limit, 10) + " bytes",
	}
}

// ParseLimit converts a size such as "10M" to bytes, defaulting to 1 MB when
// s is empty or malformed.
func ParseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1 << 30
	case strings.HasSuffix(s, "M"):
		multiplier = 1 << 20
	case strings.HasSuffix(s, "K"):
		multiplier = 1 << 10
	}
	if multiplier > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * multiplier
}
