// Package handlers contains the HTTP handlers of the eventbell API. Each
// handler depends on a narrow locally defined service interface and mounts
// its routes through RegisterRoutes.
package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"eventbell/internal/core"
	"eventbell/internal/types"
)

// pageParams reads "page" (1-based, alias "current") and "pageSize".
func pageParams(q url.Values) (page, pageSize int, err error) {
	raw := q.Get("page")
	if raw == "" {
		raw = q.Get("current")
	}
	if page, err = intParam("page", raw); err != nil {
		return 0, 0, err
	}
	if pageSize, err = intParam("pageSize", q.Get("pageSize")); err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

func intParam(name, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, filterError(name, "must be a positive integer", err)
	}
	return n, nil
}

func timeParam(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, filterError(name, "must be an RFC 3339 timestamp", err)
	}
	t = t.UTC()
	return &t, nil
}

func filterError(param, msg string, err error) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationFilter,
		param+" "+msg, err, map[string]any{"param": param})
}

// writeList renders a ListResult as {"data": [...], "total": n}.
func writeList[T any](w http.ResponseWriter, r *http.Request, res types.ListResult[T]) {
	if res.Data == nil {
		res.Data = []T{}
	}
	core.JSON(w, r, http.StatusOK, res)
}

// pathParam returns a decoded URL parameter. Job ids contain ':' which
// clients may send percent-encoded.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
