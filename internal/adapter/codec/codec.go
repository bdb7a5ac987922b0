// Package codec turns protocol messages into wire frames and back.
package codec

import (
	"strconv"

	"ocpp-rpc/internal/domain"
)

// Codec encodes and decodes frames for one transport language.
type Codec interface {
	// Language reports the transport language this codec speaks.
	Language() domain.Language
	// EncodeCall builds a Call frame. A nil payload encodes as an empty object.
	EncodeCall(id domain.MessageID, action string, payload any) (domain.Frame, error)
	// EncodeResult builds a CallResult frame. A nil payload encodes as an empty object.
	EncodeResult(id domain.MessageID, payload any) (domain.Frame, error)
	// EncodeError builds a CallError frame. Nil details encode as an empty object.
	EncodeError(id domain.MessageID, code, description string, details any) (domain.Frame, error)
	// Decode parses a raw frame. It never fails: anything that does not
	// validate comes back as domain.Invalid().
	Decode(raw []byte) domain.Message
}

// ForVersion returns the codec for the transport language of version.
// A nil resolver uses domain.ResolveLanguage.
func ForVersion(version string, resolve domain.LanguageResolver) (Codec, error) {
	if resolve == nil {
		resolve = domain.ResolveLanguage
	}
	return ForLanguage(resolve(version), version)
}

// ForLanguage returns the codec for lang. version is only used for error detail.
func ForLanguage(lang domain.Language, version string) (Codec, error) {
	switch lang {
	case domain.LanguageJSON:
		return JSON{}, nil
	case domain.LanguageSOAP:
		return SOAP{}, nil
	default:
		return nil, domain.NewDomainError("codec.ForVersion", domain.ErrUnsupportedVersion, "version "+strconv.Quote(version))
	}
}
