package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"ocpp-rpc/internal/domain"
)

// ValidatePayload wraps next so that payloads failing the JSON schema are
// answered with a FormationViolation CallError and never reach next.
func ValidatePayload(schemaBytes []byte, next Handler) (Handler, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if next == nil {
		next = noop
	}

	return func(ctx context.Context, payload json.RawMessage, res Responder) error {
		var data any
		if err := json.Unmarshal(payload, &data); err != nil {
			return res.CallError(ctx, domain.CodeCallFormationViolation, "payload is not valid JSON", nil)
		}
		result := schema.Validate(data)
		if !result.IsValid() {
			return res.CallError(ctx, domain.CodeCallFormationViolation, fmt.Sprintf("%s", result.Error()), nil)
		}
		return next(ctx, payload, res)
	}, nil
}

// MustValidatePayload is ValidatePayload for schemas known at compile time.
func MustValidatePayload(schemaBytes []byte, next Handler) Handler {
	h, err := ValidatePayload(schemaBytes, next)
	if err != nil {
		panic(err)
	}
	return h
}
