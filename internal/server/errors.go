package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/meterline/internal/catalog/domain"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/meterline/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type       string            `json:"type"`
	Message    string            `json:"message"`
	Errors     []ValidationError `json:"errors,omitempty"`
	FeatureKey string            `json:"feature_key,omitempty"`
	Remaining  *int64            `json:"remaining,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var quotaErr *usagedomain.QuotaExceededError
	if errors.As(err, &quotaErr) {
		remaining := quotaErr.Remaining
		return http.StatusTooManyRequests, errorPayload{
			Type:       "quota_exceeded",
			Message:    quotaErr.Error(),
			FeatureKey: quotaErr.FeatureKey,
			Remaining:  &remaining,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   "request",
					Code:    code,
					Message: code,
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, usagedomain.ErrFeatureNotGranted):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: err.Error(),
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, usagedomain.ErrInvalidUser),
		errors.Is(err, usagedomain.ErrInvalidFeature),
		errors.Is(err, usagedomain.ErrInvalidQuantity),
		errors.Is(err, usagedomain.ErrInvalidCorrelation),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, subscriptiondomain.ErrInvalidPlan),
		errors.Is(err, subscriptiondomain.ErrInvalidSubscription),
		errors.Is(err, subscriptiondomain.ErrInvalidRenewalPolicy),
		errors.Is(err, invoicedomain.ErrInvalidInvoice),
		errors.Is(err, invoicedomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrInvalidInvoice),
		errors.Is(err, paymentdomain.ErrInvalidAmount),
		errors.Is(err, paymentdomain.ErrUnknownProvider),
		errors.Is(err, paymentdomain.ErrMissingCredentials),
		errors.Is(err, webhookdomain.ErrInvalidEndpoint),
		errors.Is(err, webhookdomain.ErrInvalidURL),
		errors.Is(err, webhookdomain.ErrInvalidSecret):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, subscriptiondomain.ErrActiveSubscriptionExists),
		errors.Is(err, subscriptiondomain.ErrNotRenewable),
		errors.Is(err, subscriptiondomain.ErrNotCancellable),
		errors.Is(err, subscriptiondomain.ErrNotReactivatable),
		errors.Is(err, paymentdomain.ErrInvoicePaid),
		errors.Is(err, paymentdomain.ErrInvoiceCancelled),
		errors.Is(err, paymentdomain.ErrNotRetryable),
		errors.Is(err, webhookdomain.ErrEndpointRevoked),
		errors.Is(err, catalogdomain.ErrPlanRetired):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, usagedomain.ErrNoActiveSubscription),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, webhookdomain.ErrEndpointNotFound),
		errors.Is(err, catalogdomain.ErrPlanNotFound),
		errors.Is(err, catalogdomain.ErrFeatureNotFound),
		errors.Is(err, catalogdomain.ErrPriceNotFound):
		return true
	default:
		return false
	}
}
