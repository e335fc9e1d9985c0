package kinesisfake

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aws/smithy-go"
)

type wireError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// handleError writes err the way the AWS JSON protocol encodes operation
// failures, so the SDK client rehydrates modeled exception types on the
// other side.
func handleError(w http.ResponseWriter, err error) {
	var api smithy.APIError
	if errors.As(err, &api) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(wireError{Type: api.ErrorCode(), Message: api.ErrorMessage()})
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(wireError{Type: "InternalFailure", Message: err.Error()})
}
