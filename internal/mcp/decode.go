package mcp

import (
	"bytes"
	"encoding/json"
	goerrors "errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/htbwatch/internal/errors"
)

// decode reads the tool arguments into T. Unknown keys and mistyped values
// are rejected as INVALID_REQUEST.
func decode[T any](req mcp.CallToolRequest) (T, error) {
	var result T
	raw, err := json.Marshal(req.GetArguments())
	if err != nil {
		return result, errors.NewInvalidRequest("arguments are not a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&result); err != nil {
		return result, errors.NewInvalidRequest("invalid arguments: " + argumentError(err))
	}
	return result, nil
}

// argumentError rewrites decoder errors in terms of argument names.
func argumentError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if goerrors.As(err, &typeErr) {
		return fmt.Sprintf("argument %q must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}
