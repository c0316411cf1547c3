package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/meterline/internal/invoice/domain"
)

func (s *Server) ListInvoices(c *gin.Context) {
	resp, err := s.invoiceSvc.ListInvoices(c.Request.Context(), invoicedomain.ListInvoicesRequest{
		UserID:         c.Query("user_id"),
		SubscriptionID: c.Query("subscription_id"),
		Status:         invoicedomain.PaymentStatus(strings.ToUpper(strings.TrimSpace(c.Query("status")))),
		PageToken:      c.Query("page_token"),
		PageSize:       pageSizeParam(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}

func (s *Server) ListInvoiceLines(c *gin.Context) {
	lines, err := s.invoiceSvc.ListLines(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

// RecalculateInvoice re-derives totals from the invoice's lines. Safe to
// call repeatedly.
func (s *Server) RecalculateInvoice(c *gin.Context) {
	inv, err := s.invoiceSvc.RecalculateTotals(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, inv)
}
