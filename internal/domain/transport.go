package domain

import (
	"context"
	"strings"
)

// Language is the serialization dialect selected by the protocol version.
type Language string

const (
	LanguageUnknown Language = ""
	LanguageJSON    Language = "JSON"
	LanguageSOAP    Language = "SOAP"
)

// LanguageResolver maps a protocol version string to its transport language.
type LanguageResolver func(version string) Language

// ResolveLanguage is the default resolver: versions ending in "j" speak JSON,
// versions ending in "s" speak SOAP ("ocpp1.6j", "1.5s"). Anything else is unknown.
func ResolveLanguage(version string) Language {
	v := strings.ToLower(strings.TrimSpace(version))
	switch {
	case strings.HasSuffix(v, "j"):
		return LanguageJSON
	case strings.HasSuffix(v, "s"):
		return LanguageSOAP
	default:
		return LanguageUnknown
	}
}

// Sender delivers one raw frame to the peer. Implementations must tolerate
// being retried with the same frame.
type Sender interface {
	Send(ctx context.Context, raw []byte, version string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, raw []byte, version string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, raw []byte, version string) error {
	return f(ctx, raw, version)
}
