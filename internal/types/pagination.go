package types

// Default and maximum page sizes for list operations.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// ListResult is the {data, total} shape returned by list operations.
type ListResult[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// NormalizePage clamps page and size into valid ranges and returns the
// offset and limit to use.
func NormalizePage(page, size int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return (page - 1) * size, size
}
