// Package monitor checks request bodies against their JSON schema contract
// before they are bound to Go types.
package monitor

import (
	_ "embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/yourorg/payment-gateway/internal/apperr"
)

//go:embed schemas/create_payment.json
var createPaymentSchema string

// ContractMonitor validates incoming requests against a compiled JSON schema.
type ContractMonitor struct {
	schema *gojsonschema.Schema
}

// NewContractMonitor compiles the schema file at schemaPath.
// The schemaPath should be an absolute path or relative to the execution directory.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	return newContractMonitor(schemaPath, gojsonschema.NewReferenceLoader("file://"+schemaPath))
}

// NewPaymentContractMonitor uses the built-in create-payment schema.
func NewPaymentContractMonitor() *ContractMonitor {
	cm, err := newContractMonitor("create_payment.json", gojsonschema.NewStringLoader(createPaymentSchema))
	if err != nil {
		panic(err)
	}
	return cm
}

func newContractMonitor(name string, loader gojsonschema.JSONLoader) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{schema: schema}, nil
}

// Validate validates the given request body against the loaded JSON schema.
// It returns true if valid, or false and a list of validation errors if invalid.
func (cm *ContractMonitor) Validate(requestBody []byte) (bool, []string, error) {
	result, err := cm.schema.Validate(gojsonschema.NewBytesLoader(requestBody))
	if err != nil {
		return false, nil, fmt.Errorf("error during validation: %w", err)
	}
	if result.Valid() {
		return true, nil, nil
	}

	var errors []string
	for _, desc := range result.Errors() {
		errors = append(errors, desc.String())
	}
	return false, errors, nil
}

// Check is Validate for the HTTP layer: a body that is not JSON or breaks
// the contract becomes a ValidationError listing the schema messages.
func (cm *ContractMonitor) Check(requestBody []byte) error {
	valid, violations, err := cm.Validate(requestBody)
	if err != nil {
		return apperr.ValidationErr("Request body is not valid JSON", nil)
	}
	if !valid {
		return apperr.ValidationErr("Request does not match the payment contract", nil).
			WithDetail("errors", violations)
	}
	return nil
}
