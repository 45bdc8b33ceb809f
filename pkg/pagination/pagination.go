package pagination

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// List endpoints return a patient's or doctor's appointments and
// prescriptions newest first; a page of 20 covers most histories.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// Parse reads the limit and offset query parameters. Missing or zero limit
// means DefaultLimit and larger values are clamped to MaxLimit. Values that
// are not integers, or a negative offset, are rejected with 400.
func Parse(c echo.Context) (Params, error) {
	limit, err := intParam(c, "limit")
	if err != nil {
		return Params{}, err
	}
	offset, err := intParam(c, "offset")
	if err != nil {
		return Params{}, err
	}

	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	if offset < 0 {
		return Params{}, echo.NewHTTPError(http.StatusBadRequest, "offset must not be negative")
	}
	return Params{Limit: limit, Offset: offset}, nil
}

func intParam(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}

// Response is the list envelope. Data is never null so clients can range over
// an empty history; NextOffset is omitted on the last page.
type Response[T any] struct {
	Data       []T  `json:"data"`
	Total      int  `json:"total"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	NextOffset *int `json:"next_offset,omitempty"`
}

func NewResponse[T any](data []T, total int, p Params) *Response[T] {
	if data == nil {
		data = []T{}
	}
	r := &Response[T]{Data: data, Total: total, Limit: p.Limit, Offset: p.Offset}
	if next := p.Offset + p.Limit; next < total {
		r.NextOffset = &next
	}
	return r
}
