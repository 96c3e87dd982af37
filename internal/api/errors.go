package api

import (
	"errors"
	"net/http"

	"github.com/ashureev/cpf-advisor/internal/advisor"
	"github.com/ashureev/cpf-advisor/internal/completion"
	"github.com/ashureev/cpf-advisor/internal/domain"
	"github.com/ashureev/cpf-advisor/internal/router"
)

const msgServiceUnavailable = "the advisor could not answer right now, please try again"

// errorStatus maps a service error to an HTTP status and a message safe to show the user.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, advisor.ErrTurnInProgress):
		return http.StatusConflict, err.Error()
	case errors.Is(err, advisor.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, router.ErrUnknownTransition):
		return http.StatusConflict, err.Error()
	case domain.IsInputError(err):
		return http.StatusBadRequest, err.Error()
	case completion.IsServiceError(err):
		return http.StatusBadGateway, msgServiceUnavailable
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
