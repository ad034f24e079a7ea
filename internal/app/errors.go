package app

import (
	"errors"
	"fmt"
	"net/http"

	"ccbcounter/api/internal/ata"
	"ccbcounter/api/internal/export"
	"ccbcounter/api/internal/session"
	"ccbcounter/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Messages shown to Portuguese-speaking clients.
const (
	msgIDRequired = "id required"
	msgNotFound   = "Registro não encontrado"
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", msgNotFound, nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "format must be docx, html or pdf", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF export is not available on this server", nil
	case errors.Is(err, session.ErrNoRehearsalDate), errors.Is(err, store.ErrMissingConflictValue):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", session.ErrNoRehearsalDate.Error(), nil
	case errors.Is(err, store.ErrUnsupportedConflictKey):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, ata.ErrUnknownEdit), errors.Is(err, ata.ErrEmptyName), errors.Is(err, ata.ErrUnknownRole),
		errors.Is(err, ata.ErrNameIndex), errors.Is(err, ata.ErrUnknownField):
		return http.StatusUnprocessableEntity, "INVALID_EDIT", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
