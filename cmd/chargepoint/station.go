package main

import (
	"context"
	"encoding/json"

	"ocpp-rpc/internal/usecase/actions"
)

// dataTransferSchema is the OCPP 1.6 DataTransfer.req payload.
var dataTransferSchema = []byte(`{
	"type": "object",
	"properties": {
		"vendorId":  {"type": "string", "maxLength": 255},
		"messageId": {"type": "string", "maxLength": 50},
		"data":      {"type": "string"}
	},
	"required": ["vendorId"]
}`)

// stationHandlers are the inbound actions served by the run command. Every
// other action falls through to the NotImplemented reply.
func stationHandlers() map[string]actions.Handler {
	return map[string]actions.Handler{
		"DataTransfer": actions.MustValidatePayload(dataTransferSchema, dataTransfer),
	}
}

// dataTransfer declines every vendor: the station has no vendor extensions.
func dataTransfer(ctx context.Context, _ json.RawMessage, res actions.Responder) error {
	return res.CallResult(ctx, map[string]string{"status": "UnknownVendorId"})
}
