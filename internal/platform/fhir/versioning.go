package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified from resource.meta.
func SetVersionHeaders(c echo.Context, resource Resource) {
	if v := VersionID(resource); v != "" {
		c.Response().Header().Set("ETag", fmt.Sprintf(`W/"%s"`, v))
	}
	if lu := String(Meta(resource), "lastUpdated"); lu != "" {
		if t, err := time.Parse(time.RFC3339Nano, lu); err == nil {
			c.Response().Header().Set("Last-Modified", t.UTC().Format(http.TimeFormat))
		}
	}
}

// CheckIfMatch validates the If-Match header against the current version.
// A missing header means an unconditional update.
func CheckIfMatch(c echo.Context, currentVersion int) error {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return nil
	}

	expected, err := ParseETag(ifMatch)
	if err != nil {
		return InvalidRequest("invalid If-Match header: %v", err)
	}
	if expected != currentVersion {
		return PreconditionFailed("version conflict: expected version %d but resource is at version %d", expected, currentVersion)
	}
	return nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// CheckIfNoneMatch reports whether the client already holds currentVersion,
// in which case a read may answer 304.
func CheckIfNoneMatch(c echo.Context, currentVersion int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}

	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return clientVersion == currentVersion
}

// PreferReturn is the return directive of a Prefer header.
type PreferReturn string

const (
	ReturnMinimal          PreferReturn = "minimal"
	ReturnRepresentation   PreferReturn = "representation"
	ReturnOperationOutcome PreferReturn = "OperationOutcome"
)

// ParsePreferReturn extracts return=... from a Prefer header value.
// Directives may be separated by commas or semicolons. The default is
// ReturnRepresentation.
func ParsePreferReturn(prefer string) PreferReturn {
	normalized := strings.ReplaceAll(prefer, ",", ";")
	for _, part := range strings.Split(normalized, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "return=") {
			continue
		}
		switch v := PreferReturn(strings.TrimSpace(part[len("return="):])); v {
		case ReturnMinimal, ReturnRepresentation, ReturnOperationOutcome:
			return v
		}
	}
	return ReturnRepresentation
}
