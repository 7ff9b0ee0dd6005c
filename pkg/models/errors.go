package models

import "errors"

// ErrNotFound is returned by stores when a lookup matches nothing
var ErrNotFound = errors.New("record not found")
