package httpx

import (
	"net/http"
	"strconv"
)

// pageLinks carries the next/previous page URLs of a list response.
// Absent pages serialize as null.
type pageLinks struct {
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
}

// paginatedResponse is the envelope every list endpoint returns.
type paginatedResponse struct {
	Links      pageLinks        `json:"links"`
	Count      int              `json:"count"`
	Page       int              `json:"page"`
	TotalPages int              `json:"total_pages"`
	Results    []map[string]any `json:"results"`
}

func newPaginatedResponse(r *http.Request, page, totalPages, count int, results []map[string]any) paginatedResponse {
	if results == nil {
		results = []map[string]any{}
	}
	return paginatedResponse{
		Links: pageLinks{
			Next:     pageLink(r, page+1, page < totalPages),
			Previous: pageLink(r, page-1, page > 1),
		},
		Count:      count,
		Page:       page,
		TotalPages: totalPages,
		Results:    results,
	}
}

// pageLink rebuilds the request URL pointing at another page. The page
// parameter is dropped when the target is the first page.
func pageLink(r *http.Request, page int, ok bool) *string {
	if !ok {
		return nil
	}
	u := *r.URL
	q := u.Query()
	if page <= 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	link := u.String()
	return &link
}

// parseIntQuery returns the integer value of a query param or a default.
// It is tolerant of missing/invalid values.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func pageCount(total, size int) int {
	if total <= 0 || size <= 0 {
		return 0
	}
	return (total + size - 1) / size
}
