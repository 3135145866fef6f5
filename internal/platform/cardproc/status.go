package cardproc

import "github.com/mealmind/billing/pkg/types"

// statusMap translates the processor's status vocabulary onto the local
// subscription status enum. Statuses absent from the table fall back to
// incomplete rather than silently passing an unmapped string through.
var statusMap = map[string]types.SubscriptionStatus{
	"active":             types.SubscriptionStatusActive,
	"trialing":           types.SubscriptionStatusTrialing,
	"past_due":           types.SubscriptionStatusPastDue,
	"canceled":           types.SubscriptionStatusCancelled,
	"unpaid":             types.SubscriptionStatusCancelled,
	"incomplete":         types.SubscriptionStatusIncomplete,
	"incomplete_expired": types.SubscriptionStatusExpired,
}

// MapStatus converts a remote status string to the local enum.
func MapStatus(remote string) types.SubscriptionStatus {
	if s, ok := statusMap[remote]; ok {
		return s
	}
	return types.SubscriptionStatusIncomplete
}
