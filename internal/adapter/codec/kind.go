package codec

import (
	"bytes"
	"errors"
)

var (
	errInvalidJSON   = errors.New("payload is not valid JSON")
	errNotStructured = errors.New("payload must be an object or an array")
)

type kind int

const (
	kindMissing kind = iota
	kindNull
	kindBool
	kindNumber
	kindString
	kindArray
	kindObject
)

// kindOf classifies an already-valid JSON value by its first byte.
func kindOf(raw []byte) kind {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return kindMissing
	}
	switch raw[0] {
	case 'n':
		return kindNull
	case 't', 'f':
		return kindBool
	case '"':
		return kindString
	case '[':
		return kindArray
	case '{':
		return kindObject
	default:
		return kindNumber
	}
}
