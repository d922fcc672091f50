package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit caps request body sizes. applyLimit covers the $apply
// endpoints, whose Parameters payloads can carry whole data bundles of
// clinical resources; defaultLimit covers everything else, which is single
// definitions at most.
//
// Sizes are strings like "2M" or "512K" (K, M, G suffixes); a bare number
// is bytes. Oversized requests get 413 with an OperationOutcome body.
func BodyLimit(defaultLimit, applyLimit string) echo.MiddlewareFunc {
	defaultBytes := parseSize(defaultLimit)
	applyBytes := parseSize(applyLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if strings.HasSuffix(req.URL.Path, "/$apply") {
				limit = applyBytes
			}

			if req.ContentLength > limit {
				return payloadTooLarge(c, limit)
			}
			// Content-Length can be absent or wrong; the wrapped reader
			// enforces the cap either way.
			req.Body = &cappedBody{body: req.Body, remaining: limit}
			return next(c)
		}
	}
}

var errBodyTooLarge = echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")

// cappedBody fails the read once more than the allowed bytes come in.
type cappedBody struct {
	body      io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *cappedBody) Read(p []byte) (int, error) {
	if r.exceeded {
		return 0, errBodyTooLarge
	}
	// Read one byte past the cap so an exactly-at-limit body still passes.
	if int64(len(p)) > r.remaining+1 {
		p = p[:r.remaining+1]
	}
	n, err := r.body.Read(p)
	r.remaining -= int64(n)
	if r.remaining < 0 {
		r.exceeded = true
		return 0, errBodyTooLarge
	}
	return n, err
}

func (r *cappedBody) Close() error { return r.body.Close() }

func payloadTooLarge(c echo.Context, limit int64) error {
	return c.JSON(http.StatusRequestEntityTooLarge, map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []interface{}{
			map[string]interface{}{
				"severity":    "error",
				"code":        "too-costly",
				"diagnostics": fmt.Sprintf("Request body exceeds the maximum of %d bytes", limit),
			},
		},
	})
}

// parseSize converts a human-readable size into bytes, defaulting to 1 MB
// when the string is empty or malformed.
func parseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 1 << 20
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"GB", 1 << 30}, {"G", 1 << 30},
		{"MB", 1 << 20}, {"M", 1 << 20},
		{"KB", 1 << 10}, {"K", 1 << 10},
	} {
		if rest, ok := strings.CutSuffix(s, unit.suffix); ok {
			s, multiplier = rest, unit.factor
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 1 << 20
	}
	return n * multiplier
}
