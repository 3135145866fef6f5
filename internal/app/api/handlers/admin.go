package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mealmind/billing/internal/app/service/ledger"
	"github.com/mealmind/billing/internal/app/service/reconcile"
	"github.com/mealmind/billing/internal/app/service/statistics"
	subsvc "github.com/mealmind/billing/internal/app/service/subscription"
	"github.com/mealmind/billing/internal/models"
	"github.com/mealmind/billing/pkg/response"
	"github.com/mealmind/billing/pkg/types"
)

type reconcileRunResp struct {
	TotalChecked  int64 `json:"total_checked"`
	Expired       int64 `json:"expired"`
	Updated       int64 `json:"updated"`
	Errors        int64 `json:"errors"`
	DriftDetected int64 `json:"drift_detected"`
	DurationMs    int64 `json:"duration_ms"`
}

func toReconcileRunResp(stats *reconcile.RunStats) *reconcileRunResp {
	return &reconcileRunResp{
		TotalChecked:  stats.TotalChecked,
		Expired:       stats.Expired,
		Updated:       stats.Updated,
		Errors:        stats.Errors,
		DriftDetected: stats.DriftDetected,
		DurationMs:    stats.Duration.Milliseconds(),
	}
}

// ApiReconcileAll runs a full reconciliation synchronously and returns the
// run accounting.
func ApiReconcileAll(svc *reconcile.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := svc.ReconcileAll(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(toReconcileRunResp(stats)))
	}
}

// ApiReconcileUser reconciles a single user's subscriptions on demand,
// typically from a support ticket.
func ApiReconcileUser(svc *reconcile.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		if userID == "" {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "user_id is required"))
			return
		}
		stats, err := svc.ReconcileUser(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(toReconcileRunResp(stats)))
	}
}

type ListValidationRecordsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ValidationRecordItem struct {
	ID                   string                 `json:"id"`
	UserID               string                 `json:"user_id"`
	Platform             types.Platform         `json:"platform"`
	ProductID            string                 `json:"product_id"`
	TransactionID        *string                `json:"transaction_id"`
	Status               types.ValidationStatus `json:"status"`
	Environment          types.Environment      `json:"environment"`
	ValidationDurationMs int64                  `json:"validation_duration_ms"`
	ValidatedAt          time.Time              `json:"validated_at"`
	ExpiresAt            *time.Time             `json:"expires_at"`
}

func toValidationRecordItem(m *models.ValidationRecord) *ValidationRecordItem {
	return &ValidationRecordItem{
		ID:                   m.ID,
		UserID:               m.UserID,
		Platform:             m.Platform,
		ProductID:            m.ProductID,
		TransactionID:        m.TransactionID,
		Status:               m.Status,
		Environment:          m.Environment,
		ValidationDurationMs: m.ValidationDurationMs,
		ValidatedAt:          m.ValidatedAt,
		ExpiresAt:            m.ExpiresAt,
	}
}

type ListValidationRecordsResponse struct {
	Items []*ValidationRecordItem `json:"items"`
	Total int64                   `json:"total"`
}

// ApiScanValidationRecords lists ledger entries with filters for audit review.
// Raw receipts and authority payloads stay out of the listing.
func ApiScanValidationRecords(svc *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListValidationRecordsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.ScanRecords(c.Request.Context(), &ledger.ScanRecordsRequest{
			Filters:   req.Filters,
			From:      req.From,
			Size:      req.Size,
			SortBy:    req.SortBy,
			SortOrder: req.SortOrder,
		})
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		out := &ListValidationRecordsResponse{Total: res.Total, Items: make([]*ValidationRecordItem, 0, len(res.Items))}
		for _, m := range res.Items {
			out.Items = append(out.Items, toValidationRecordItem(m))
		}
		c.JSON(http.StatusOK, response.OKT(out))
	}
}

type UserSubscriptionItem struct {
	ID                     string                   `json:"id"`
	Provider               types.Provider           `json:"provider"`
	ProviderSubscriptionID *string                  `json:"provider_subscription_id"`
	Status                 types.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd       time.Time                `json:"current_period_end"`
	TierID                 int                      `json:"tier_id"`
}

// ApiListUserSubscriptions returns all of one user's subscription rows.
func ApiListUserSubscriptions(svc *subsvc.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")
		subs, err := svc.GetUserSubscriptions(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		items := make([]*UserSubscriptionItem, 0, len(subs))
		for _, s := range subs {
			items = append(items, &UserSubscriptionItem{
				ID:                     s.ID,
				Provider:               s.Provider,
				ProviderSubscriptionID: s.ProviderSubscriptionID,
				Status:                 s.Status,
				CurrentPeriodEnd:       s.CurrentPeriodEnd,
				TierID:                 s.TierID,
			})
		}
		c.JSON(http.StatusOK, response.OKT(items))
	}
}

// ApiBillingStatistics serves the dashboard series.
func ApiBillingStatistics(svc *statistics.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req statistics.StatisticRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := svc.GetBillingStatistics(c.Request.Context(), &req)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

func RegisterAdminRoutes(r gin.IRouter, recSvc *reconcile.Service, ledgerSvc *ledger.Service, subSvc *subsvc.Service, statsSvc *statistics.Service) {
	r.POST("/reconcile", ApiReconcileAll(recSvc))
	r.POST("/reconcile/users/:user_id", ApiReconcileUser(recSvc))
	r.POST("/validation_records/scan", ApiScanValidationRecords(ledgerSvc))
	r.GET("/users/:user_id/subscriptions", ApiListUserSubscriptions(subSvc))
	r.POST("/statistics", ApiBillingStatistics(statsSvc))
}
