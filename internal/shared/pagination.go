package shared

import "strconv"

// PageRequest is a parsed page/limit query pair with the derived offset.
type PageRequest struct {
	Page   int
	Limit  int
	Offset int
}

// ParsePagination reads page and limit query values, falling back to page 1
// and the supplied default limit. The limit is capped at 200.
func ParsePagination(rawPage, rawLimit string, defaultLimit int) PageRequest {
	page, err := strconv.Atoi(rawPage)
	if err != nil || page <= 0 {
		page = 1
	}
	limit, err := strconv.Atoi(rawLimit)
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > 200 {
		limit = 200
	}
	return PageRequest{Page: page, Limit: limit, Offset: (page - 1) * limit}
}
