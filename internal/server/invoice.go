package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/rebill/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/rebill/internal/subscription/domain"
)

type invoiceItem struct {
	ID             string               `json:"id"`
	SubscriptionID string               `json:"subscription_id"`
	Status         invoicedomain.Status `json:"status"`
	BaseAmount     int64                `json:"base_amount"`
	UsageAmount    int64                `json:"usage_amount"`
	TotalAmount    int64                `json:"total_amount"`
	Currency       string               `json:"currency"`
	PeriodStart    time.Time            `json:"period_start"`
	PeriodEnd      time.Time            `json:"period_end"`
	TransactionID  string               `json:"transaction_id,omitempty"`
	FailureCode    string               `json:"failure_code,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

func (s *Server) ListInvoices(c *gin.Context) {
	tenantRaw := strings.TrimSpace(c.Query("tenant_id"))
	tenantID, err := snowflake.ParseString(tenantRaw)
	if err != nil {
		AbortWithError(c, subscriptiondomain.ErrInvalidTenant)
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	sub, err := s.subRepo.FindCurrentByTenantID(c.Request.Context(), s.db, tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if sub == nil {
		AbortWithError(c, subscriptiondomain.ErrSubscriptionNotFound)
		return
	}

	invoices, err := s.invoiceRepo.ListBySubscriptionID(c.Request.Context(), s.db, sub.ID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items := make([]invoiceItem, 0, len(invoices))
	for _, inv := range invoices {
		items = append(items, invoiceItem{
			ID:             inv.ID.String(),
			SubscriptionID: inv.SubscriptionID.String(),
			Status:         inv.Status,
			BaseAmount:     inv.BaseAmount,
			UsageAmount:    inv.UsageAmount,
			TotalAmount:    inv.TotalAmount,
			Currency:       inv.Currency,
			PeriodStart:    inv.PeriodStart,
			PeriodEnd:      inv.PeriodEnd,
			TransactionID:  inv.TransactionID,
			FailureCode:    inv.FailureCode,
			CreatedAt:      inv.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"invoices": items})
}
