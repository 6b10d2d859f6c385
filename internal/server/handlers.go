package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vietkhanh/payhub/internal/chain"
	"github.com/vietkhanh/payhub/internal/engine"
	"github.com/vietkhanh/payhub/internal/health"
	"github.com/vietkhanh/payhub/internal/invoice"
	"github.com/vietkhanh/payhub/internal/logging"
	"github.com/vietkhanh/payhub/internal/provider"
	"github.com/vietkhanh/payhub/internal/security"
	"github.com/vietkhanh/payhub/internal/validation"
)

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.healthChecks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Payhub",
		"description": "Invoice lifecycle and payment provider reconciliation",
		"version":     "0.1.0",
		"providers":   s.registry.IDs(),
	})
}

func (s *Server) listProvidersHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": s.registry.IDs(),
	})
}

// createInvoiceHandler handles POST /v1/invoices/:provider
func (s *Server) createInvoiceHandler(c *gin.Context) {
	providerID := invoice.Provider(c.Param("provider"))
	if !providerID.Valid() || providerID == invoice.ProviderWeb3 {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No such payment provider",
		})
		return
	}

	var req provider.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	req.Service = validation.SanitizeString(req.Service, 200)

	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("currency", req.Currency),
		validation.Required("email", req.Email),
		validation.ValidEmail("email", req.Email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	// Redirect URLs end up in provider checkout sessions; don't let a
	// caller point buyers at internal endpoints.
	for name, u := range map[string]string{"successUrl": req.SuccessURL, "cancelUrl": req.CancelURL} {
		if u == "" {
			continue
		}
		if err := security.ValidateEndpointURL(u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"details": []validation.ValidationError{{Field: name, Message: err.Error()}},
			})
			return
		}
	}

	inv, err := s.engine.CreateInvoice(c.Request.Context(), providerID, req)
	if err != nil {
		s.writeCreateError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoiceNumber": inv.InvoiceNumber,
		"paymentUrl":    inv.PaymentURL,
		"status":        inv.Status,
		"invoice":       inv,
	})
}

func (s *Server) writeCreateError(c *gin.Context, err error) {
	var rejection *provider.Rejection
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "Provider is not configured on this deployment",
		})
	case errors.As(err, &rejection):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_rejected",
			"message": rejection.Reason,
		})
	case provider.IsRetryable(err):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provider_unavailable",
			"message": "Payment provider is unreachable, try again",
		})
	default:
		logging.L(c.Request.Context()).Error("invoice creation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create invoice",
		})
	}
}

// notificationHandler handles POST /v1/invoices/:provider/notify.
//
// Status codes follow provider retry semantics: 403 only for a failed
// authenticity check, 400 for payloads we cannot decode, 200 for
// everything else including notifications about unknown invoices, so
// providers stop redelivering what we cannot act on.
func (s *Server) notificationHandler(c *gin.Context) {
	providerID := invoice.Provider(c.Param("provider"))

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	n := provider.Notification{
		Header: c.Request.Header,
		Body:   body,
	}

	err = s.engine.HandleNotification(c.Request.Context(), providerID, n)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	case errors.Is(err, provider.ErrBadSignature):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "invalid_signature",
			"message": "Notification signature verification failed",
		})
	case errors.Is(err, provider.ErrMalformedNotification):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_notification",
			"message": "Notification payload could not be decoded",
		})
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No such payment provider",
		})
	default:
		logging.L(c.Request.Context()).Error("notification processing failed",
			"provider", providerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to process notification",
		})
	}
}

// getInvoiceHandler handles GET /v1/invoices/:number
func (s *Server) getInvoiceHandler(c *gin.Context) {
	number := c.Param("number")

	inv, err := s.engine.GetInvoice(c.Request.Context(), number)
	if err != nil {
		if errors.Is(err, invoice.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Invoice not found",
			})
			return
		}
		logging.L(c.Request.Context()).Error("invoice lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load invoice",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"invoice": inv})
}

// web3PaymentHandler handles POST /v1/payments/web3
func (s *Server) web3PaymentHandler(c *gin.Context) {
	var req engine.Web3Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	req.TxHash = validation.SanitizeTxHash(req.TxHash)

	if errs := validation.Validate(
		validation.Required("txHash", req.TxHash),
		validation.ValidTxHash("txHash", req.TxHash),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("service", req.Service),
		validation.ValidEmail("email", req.Email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	result, err := s.engine.SettleWeb3(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAlreadyCompleted):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_completed",
				"message": "This transaction already paid for an invoice",
			})
		case errors.Is(err, chain.ErrUnknownNetwork):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_network",
				"message": err.Error(),
			})
		default:
			logging.L(c.Request.Context()).Error("web3 settlement failed",
				"txHash", req.TxHash, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to settle payment",
			})
		}
		return
	}

	resp := gin.H{
		"invoice": result.Invoice,
		"status":  result.Status,
	}
	if result.License != nil {
		resp["licenseKey"] = result.License.Key()
	}
	c.JSON(http.StatusOK, resp)
}
