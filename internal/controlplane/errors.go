package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/contextmem/internal/entities"
	"github.com/fentz26/contextmem/internal/history"
	"github.com/fentz26/contextmem/internal/learning"
	"github.com/fentz26/contextmem/internal/store"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidJSON  = errors.New("invalid json")
	ErrInvalidQuery = errors.New("invalid query parameter")
)

var badRequestErrors = []error{
	ErrInvalidJSON,
	ErrInvalidQuery,
	entities.ErrInvalidEntityType,
	entities.ErrInvalidRelationshipType,
	entities.ErrEmptyName,
	entities.ErrEmptyWorkflowID,
	entities.ErrNegativeAge,
	history.ErrInvalidStatus,
	history.ErrEmptyWorkflowID,
	history.ErrNegativeAge,
	history.ErrNegativeDuration,
	learning.ErrUnknownModelType,
	learning.ErrEmptyID,
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyCompleted):
		return http.StatusConflict
	case errors.Is(err, learning.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	}
	for _, target := range badRequestErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}
