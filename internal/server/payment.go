package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
)

type paymentOutcomeResponse struct {
	Invoice     invoicedomain.Invoice      `json:"invoice"`
	Status      paymentdomain.ChargeStatus `json:"status"`
	ProviderRef string                     `json:"provider_ref,omitempty"`
	RedirectURL string                     `json:"redirect_url,omitempty"`
}

func (s *Server) PayInvoice(c *gin.Context) {
	var req paymentdomain.ProcessInvoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, newValidationError("request", "invalid_request", "invalid request body"))
			return
		}
	}
	req.InvoiceID = c.Param("id")

	outcome, err := s.paymentSvc.ProcessInvoice(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymentOutcomeResponse{
		Invoice:     outcome.Invoice,
		Status:      outcome.Status,
		ProviderRef: outcome.ProviderRef,
		RedirectURL: outcome.RedirectURL,
	})
}

func (s *Server) RetryInvoicePayment(c *gin.Context) {
	// force is the operator escape hatch for stuck or parked invoices.
	force, _ := strconv.ParseBool(c.Query("force"))

	outcome, err := s.paymentSvc.RetryInvoice(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, paymentOutcomeResponse{
		Invoice:     outcome.Invoice,
		Status:      outcome.Status,
		ProviderRef: outcome.ProviderRef,
		RedirectURL: outcome.RedirectURL,
	})
}

func (s *Server) CancelInvoice(c *gin.Context) {
	inv, err := s.paymentSvc.CancelInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

func (s *Server) ListPaymentAttempts(c *gin.Context) {
	attempts, err := s.paymentSvc.GetAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}
