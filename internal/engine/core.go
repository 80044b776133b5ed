package engine

import "context"

type Named interface {
	Name() string
	Kind() string
}

type Closer interface {
	Close(context.Context) error
}

const (
	// ISO8601Basic is a URL-safe timestamp format without colons, used for
	// artifact names and object keys.
	ISO8601Basic = "20060102T150405Z"
)
