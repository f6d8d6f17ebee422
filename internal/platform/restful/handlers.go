package restful

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ohm/healthmanager/internal/platform/fhir"
	"github.com/ohm/healthmanager/internal/platform/fhirstore"
)

func (s *Server) metadata(c echo.Context) error {
	s.mu.RLock()
	defs := make([]fhir.OperationDefinitionResource, 0, len(s.operations))
	for _, op := range s.operations {
		defs = append(defs, op.Definition)
	}
	s.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })

	return Respond(c, http.StatusOK, fhir.NewCapabilityStatement(s.opts.ServerAddress, s.registry.ResourceTypes(), defs))
}

func (s *Server) transaction(c echo.Context) error {
	rd := FromContext(c)
	if fhir.ResourceType(rd.Resource) != "Bundle" {
		return fhir.InvalidRequest("transaction requires a Bundle body")
	}
	resp, err := s.processor.Transaction(c.Request().Context(), rd.Resource)
	if err != nil {
		return err
	}
	return Respond(c, http.StatusOK, resp)
}

func (s *Server) createOrOperation(c echo.Context) error {
	rd := FromContext(c)
	if rd.Operation != "" {
		return s.invokeOperation(c, rd)
	}

	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	if rd.Resource == nil {
		return fhir.InvalidRequest("%s create requires a resource body", rd.ResourceName)
	}
	stored, err := dao.Create(c.Request().Context(), rd.Resource)
	if err != nil {
		return err
	}
	return s.respondStored(c, http.StatusCreated, stored)
}

func (s *Server) searchOrOperation(c echo.Context) error {
	rd := FromContext(c)
	if rd.Operation != "" {
		return s.invokeOperation(c, rd)
	}

	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	params, err := parseSearchParams(c)
	if err != nil {
		return err
	}
	found, err := dao.Search(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return Respond(c, http.StatusOK, fhir.NewSearchBundle(found, s.selfURL(c)))
}

func (s *Server) everything(c echo.Context) error {
	rd := FromContext(c)
	all, err := s.registry.Patients().Everything(c.Request().Context(), rd.ResourceID)
	if err != nil {
		return err
	}
	return Respond(c, http.StatusOK, fhir.NewSearchBundle(all, s.selfURL(c)))
}

func (s *Server) read(c echo.Context) error {
	rd := FromContext(c)
	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	resource, err := dao.Read(c.Request().Context(), rd.ResourceID)
	if err != nil {
		return err
	}
	if v, err := strconv.Atoi(fhir.VersionID(resource)); err == nil && fhir.CheckIfNoneMatch(c, v) {
		return Respond(c, http.StatusNotModified, nil)
	}
	fhir.SetVersionHeaders(c, resource)
	return Respond(c, http.StatusOK, resource)
}

func (s *Server) vread(c echo.Context) error {
	rd := FromContext(c)
	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	resource, err := dao.VRead(c.Request().Context(), rd.ResourceID, rd.VersionID)
	if err != nil {
		return err
	}
	fhir.SetVersionHeaders(c, resource)
	return Respond(c, http.StatusOK, resource)
}

func (s *Server) history(c echo.Context) error {
	rd := FromContext(c)
	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	versions, err := dao.History(c.Request().Context(), rd.ResourceID)
	if err != nil {
		return err
	}
	return Respond(c, http.StatusOK, fhir.NewHistoryBundle(versions, s.selfURL(c)))
}

func (s *Server) update(c echo.Context) error {
	rd := FromContext(c)
	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	if rd.Resource == nil {
		return fhir.InvalidRequest("%s update requires a resource body", rd.ResourceName)
	}

	if c.Request().Header.Get("If-Match") != "" {
		current := 0
		if cur, err := dao.Read(c.Request().Context(), rd.ResourceID); err == nil {
			current, _ = strconv.Atoi(fhir.VersionID(cur))
		}
		if err := fhir.CheckIfMatch(c, current); err != nil {
			return err
		}
	}

	stored, err := dao.Update(c.Request().Context(), rd.ResourceID, rd.Resource)
	if err != nil {
		return err
	}
	status := http.StatusOK
	if fhir.VersionID(stored) == "1" {
		status = http.StatusCreated
	}
	return s.respondStored(c, status, stored)
}

func (s *Server) patch(c echo.Context) error {
	return fhir.MethodNotAllowed("PATCH is not supported")
}

func (s *Server) delete(c echo.Context) error {
	rd := FromContext(c)
	dao, err := s.registry.DAO(rd.ResourceName)
	if err != nil {
		return err
	}
	if err := dao.Delete(c.Request().Context(), rd.ResourceID); err != nil {
		return err
	}
	return Respond(c, http.StatusNoContent, nil)
}

func (s *Server) invokeOperation(c echo.Context, rd *RequestDetails) error {
	op, ok := s.operation(rd.Operation)
	if !ok {
		return fhir.InvalidRequest("operation %s is not supported by this server", rd.Operation)
	}
	return op.Handler(c, rd)
}

// respondStored answers a create or update with the versioned Location and
// ETag headers. Prefer: return=minimal drops the body.
func (s *Server) respondStored(c echo.Context, status int, stored fhir.Resource) error {
	fhir.SetVersionHeaders(c, stored)
	location := s.opts.ServerAddress + fhir.FormatHistoryReference(fhir.ResourceType(stored), fhir.ResourceID(stored), fhir.VersionID(stored))
	c.Response().Header().Set(echo.HeaderLocation, location)

	if err := Respond(c, status, stored); err != nil {
		return err
	}
	if rd := FromContext(c); rd != nil && rd.response != nil {
		rd.response.Minimal = fhir.ParsePreferReturn(c.Request().Header.Get("Prefer")) == fhir.ReturnMinimal
	}
	return nil
}

func (s *Server) selfURL(c echo.Context) string {
	u := strings.TrimSuffix(s.opts.ServerAddress, "/") + strings.TrimPrefix(c.Request().URL.Path, s.opts.BasePath)
	if q := c.Request().URL.RawQuery; q != "" {
		u += "?" + q
	}
	return u
}

// parseSearchParams supports the handful of parameters the store can
// answer: _id, identifier, subject/patient, _lastUpdated (ge/gt) and
// _count. Other parameters are ignored.
func parseSearchParams(c echo.Context) (fhirstore.SearchParams, error) {
	var params fhirstore.SearchParams
	criteria := fhir.Resource{}

	if id := c.QueryParam("_id"); id != "" {
		criteria["id"] = id
	}
	if ident := c.QueryParam("identifier"); ident != "" {
		token := map[string]interface{}{}
		if system, value, ok := strings.Cut(ident, "|"); ok {
			if system != "" {
				token["system"] = system
			}
			if value != "" {
				token["value"] = value
			}
		} else {
			token["value"] = ident
		}
		criteria["identifier"] = []interface{}{token}
	}
	for _, name := range []string{"subject", "patient"} {
		if ref := c.QueryParam(name); ref != "" {
			if !strings.Contains(ref, "/") {
				ref = fhir.FormatReference("Patient", ref)
			}
			params.Reference = ref
		}
	}
	if lu := c.QueryParam("_lastUpdated"); lu != "" {
		since, err := parseLowerBound(lu)
		if err != nil {
			return params, err
		}
		params.UpdatedSince = since
	}
	if count := c.QueryParam("_count"); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil || n < 0 {
			return params, fhir.InvalidRequest("invalid _count %q", count)
		}
		params.Count = n
	}

	if len(criteria) > 0 {
		params.Criteria = criteria
	}
	return params, nil
}

func parseLowerBound(v string) (time.Time, error) {
	switch {
	case strings.HasPrefix(v, "ge"), strings.HasPrefix(v, "gt"):
		v = v[2:]
	default:
		return time.Time{}, fhir.InvalidRequest("_lastUpdated supports only ge and gt prefixes")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fhir.InvalidRequest("invalid _lastUpdated value %q", v)
}
