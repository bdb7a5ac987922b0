package codec

import "ocpp-rpc/internal/domain"

// SOAP is the placeholder for the OCPP-S binding. It is selectable so that a
// session can be opened for a SOAP version, but every encode fails with
// domain.ErrNotImplemented and nothing decodes.
type SOAP struct{}

var _ Codec = SOAP{}

const soapDetail = "SOAP hasn't been implemented yet"

// Language implements Codec.
func (SOAP) Language() domain.Language { return domain.LanguageSOAP }

// EncodeCall implements Codec.
func (SOAP) EncodeCall(domain.MessageID, string, any) (domain.Frame, error) {
	return domain.Frame{}, domain.NewDomainError("SOAP.EncodeCall", domain.ErrNotImplemented, soapDetail)
}

// EncodeResult implements Codec.
func (SOAP) EncodeResult(domain.MessageID, any) (domain.Frame, error) {
	return domain.Frame{}, domain.NewDomainError("SOAP.EncodeResult", domain.ErrNotImplemented, soapDetail)
}

// EncodeError implements Codec.
func (SOAP) EncodeError(domain.MessageID, string, string, any) (domain.Frame, error) {
	return domain.Frame{}, domain.NewDomainError("SOAP.EncodeError", domain.ErrNotImplemented, soapDetail)
}

// Decode implements Codec.
func (SOAP) Decode([]byte) domain.Message { return domain.Invalid() }
