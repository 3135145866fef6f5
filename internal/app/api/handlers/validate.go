package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/billing/internal/app/service/validation"
	"github.com/mealmind/billing/pkg/response"
	"github.com/mealmind/billing/pkg/types"
)

type validatePurchaseReq struct {
	Platform    types.Platform `json:"platform" binding:"required"`
	ProductID   string         `json:"product_id" binding:"required"`
	ReceiptData string         `json:"receipt_data" binding:"required"`
}

type validatePurchaseResp struct {
	Status        types.ValidationStatus `json:"status,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
	Environment   types.Environment      `json:"environment,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Tier          int                    `json:"tier"`
	Deduped       bool                   `json:"deduped,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

// ApiValidatePurchase validates a store purchase proof for the calling user.
// An authority outage answers 503 so clients resubmit the same proof later.
func ApiValidatePurchase(svc *validation.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID == "" {
			c.JSON(http.StatusUnauthorized, response.ErrorT[any](response.APIResponseCodeBadRequest, "missing X-User-ID header"))
			return
		}

		var req validatePurchaseReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if !req.Platform.Valid() {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "platform must be ios or android"))
			return
		}

		res, err := svc.ValidatePurchase(c.Request.Context(), &validation.Request{
			UserID:      userID,
			Platform:    req.Platform,
			ProductID:   req.ProductID,
			ReceiptData: req.ReceiptData,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if res.ShouldRetry {
			c.Header("Retry-After", "60")
			c.JSON(http.StatusServiceUnavailable, response.ErrorT[any](response.APIResponseCodeRetry, res.Reason))
			return
		}

		out := &validatePurchaseResp{
			Status:        res.Status,
			TransactionID: res.TransactionID,
			Environment:   res.Environment,
			ExpiresAt:     res.ExpiresAt,
			Tier:          res.Tier,
			Deduped:       res.Deduped,
			Reason:        res.Reason,
		}
		if !res.Success {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeBadRequest, out))
			return
		}
		c.JSON(http.StatusOK, response.OKT(out))
	}
}

func RegisterPurchaseRoutes(r gin.IRouter, svc *validation.Service) {
	r.POST("/purchase/validate", ApiValidatePurchase(svc))
}
