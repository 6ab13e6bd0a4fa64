// Package problem renders RFC 7807 problem details for the gateway's HTTP
// surface. Every error response, whether produced by a handler, a middleware
// or echo itself, goes out as application/problem+json.
package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ContentType is the media type of a problem details body.
const ContentType = "application/problem+json"

// Details is a problem details document. Extensions are flattened into the
// top-level JSON object on encode.
type Details struct {
	Type       string                 `json:"type"`
	Title      string                 `json:"title"`
	Status     int                    `json:"status"`
	Detail     string                 `json:"detail,omitempty"`
	Instance   string                 `json:"instance,omitempty"`
	Extensions map[string]interface{} `json:"-"`
}

// MarshalJSON merges Extensions with the standard members. Standard members
// win on key collision.
func (d Details) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, len(d.Extensions)+5)
	for k, v := range d.Extensions {
		m[k] = v
	}
	m["type"] = d.Type
	m["title"] = d.Title
	m["status"] = d.Status
	if d.Detail != "" {
		m["detail"] = d.Detail
	}
	if d.Instance != "" {
		m["instance"] = d.Instance
	}
	return json.Marshal(m)
}

// New builds a problem for the given status. Title defaults to the HTTP
// status text.
func New(status int, title, detail string) *Details {
	if title == "" {
		title = http.StatusText(status)
	}
	return &Details{
		Type:   typeFor(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// With adds an extension member and returns the receiver.
func (d *Details) With(key string, value interface{}) *Details {
	if d.Extensions == nil {
		d.Extensions = make(map[string]interface{})
	}
	d.Extensions[key] = value
	return d
}

// Error makes *Details usable as an error so handlers can return it directly.
func (d *Details) Error() string {
	if d.Detail != "" {
		return fmt.Sprintf("%d %s: %s", d.Status, d.Title, d.Detail)
	}
	return fmt.Sprintf("%d %s", d.Status, d.Title)
}

// Write sends d with Instance set to the request path.
func Write(c echo.Context, d *Details) error {
	if d.Instance == "" {
		d.Instance = c.Request().URL.Path
	}
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.Blob(d.Status, ContentType, body)
}

// Respond is shorthand for Write(c, New(status, title, detail)).
func Respond(c echo.Context, status int, title, detail string) error {
	return Write(c, New(status, title, detail))
}

// ErrorHandler returns an echo.HTTPErrorHandler that renders every error as
// a problem. Unknown errors become a generic 500 and are logged; their text
// never reaches the caller.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var d *Details
		var he *echo.HTTPError
		switch {
		case errors.As(err, &d):
		case errors.As(err, &he):
			detail := ""
			if msg, ok := he.Message.(string); ok {
				detail = msg
			} else if he.Message != nil {
				detail = fmt.Sprintf("%v", he.Message)
			}
			if he.Code >= http.StatusInternalServerError {
				logger.Error().Err(he.Internal).Int("status", he.Code).Str("path", c.Request().URL.Path).Msg("request failed")
				detail = "Unexpected error occurred while processing the request."
			}
			d = New(he.Code, "", detail)
		default:
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
			d = New(http.StatusInternalServerError, "Internal server error", "Unexpected error occurred while processing the request.")
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(d.Status)
			return
		}
		if werr := Write(c, d); werr != nil {
			logger.Error().Err(werr).Msg("write problem response")
		}
	}
}

func typeFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.1"
	case http.StatusUnauthorized:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.2"
	case http.StatusNotFound:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.5"
	case http.StatusConflict:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.10"
	case http.StatusRequestEntityTooLarge:
		return "https://tools.ietf.org/html/rfc9110#section-15.5.14"
	case http.StatusTooManyRequests:
		return "https://tools.ietf.org/html/rfc6585#section-4"
	case http.StatusInternalServerError:
		return "https://tools.ietf.org/html/rfc9110#section-15.6.1"
	default:
		return "about:blank"
	}
}
