package simexchange

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

var ErrUnauthorized = errors.New("backend rejected session token")

// OrderError is a business rejection from the backend, e.g. insufficient
// margin at the backend's price. Message is the backend's text verbatim.
type OrderError struct {
	Status  int
	Message string
	Fields  []FieldError
}

func (e *OrderError) Error() string {
	return e.Message
}

// FieldError is one entry of a request validation failure.
type FieldError struct {
	Loc  []any  `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

func (f FieldError) String() string {
	parts := make([]string, 0, len(f.Loc))
	for _, p := range f.Loc {
		if s := fmt.Sprint(p); s != "body" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return f.Msg
	}
	return strings.Join(parts, ".") + ": " + f.Msg
}

// APIError is a failure that is not a business rejection: server errors,
// auth failures and bodies that carry no detail.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sim exchange: http %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// detail is the error body's "detail" field. It is either a message string or
// a list of field validation errors.
type detail struct {
	message string
	fields  []FieldError
}

func (d *detail) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty detail")
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &d.message)
	case '[':
		if err := json.Unmarshal(data, &d.fields); err != nil {
			return err
		}
		msgs := make([]string, 0, len(d.fields))
		for _, f := range d.fields {
			msgs = append(msgs, f.String())
		}
		d.message = strings.Join(msgs, "; ")
		return nil
	default:
		return fmt.Errorf("unsupported detail %s", string(data))
	}
}

type errorBody struct {
	Detail *detail `json:"detail"`
}

func decodeError(status int, body []byte) error {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Detail == nil || eb.Detail.message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return &APIError{Status: status, Message: msg}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &APIError{Status: status, Message: eb.Detail.message}
	case status >= 400 && status < 500:
		return &OrderError{Status: status, Message: eb.Detail.message, Fields: eb.Detail.fields}
	default:
		return &APIError{Status: status, Message: eb.Detail.message}
	}
}
