package apple

import "github.com/mealmind/billing/internal/platform/authority"

// verifyReceipt status codes, per Apple's receipt validation contract.
const (
	statusOK                         = 0
	statusUnreadableJSON             = 21000
	statusMalformedReceiptData       = 21002
	statusAuthenticationFailed       = 21003
	statusSharedSecretMismatch       = 21004
	statusServerUnavailable          = 21005
	statusSubscriptionExpired        = 21006
	statusSandboxReceiptOnProduction = 21007
	statusProductionReceiptOnSandbox = 21008
	statusInternalError              = 21009
	statusAccountUnauthorized        = 21010
)

var statusReasons = map[int]string{
	statusUnreadableJSON:             "the request body was not readable JSON",
	statusMalformedReceiptData:       "the receipt-data property was malformed or missing",
	statusAuthenticationFailed:       "the receipt could not be authenticated",
	statusSharedSecretMismatch:       "the shared secret does not match the account's secret",
	statusServerUnavailable:          "the receipt server is temporarily unavailable",
	statusSubscriptionExpired:        "the receipt is valid but the subscription has expired",
	statusSandboxReceiptOnProduction: "sandbox receipt sent to the production environment",
	statusProductionReceiptOnSandbox: "production receipt sent to the sandbox environment",
	statusInternalError:              "internal data access error",
	statusAccountUnauthorized:        "the account is not authorized to access this receipt",
}

// classifyStatus maps a non-success verifyReceipt status to an authority
// error. Structurally invalid receipts are permanent; availability problems
// are transient. Statuses 0, 21006 and the redirect pair are handled by the
// caller and yield no error here.
func classifyStatus(status int) error {
	switch status {
	case statusOK, statusSubscriptionExpired, statusSandboxReceiptOnProduction, statusProductionReceiptOnSandbox:
		return nil
	case statusUnreadableJSON, statusMalformedReceiptData, statusAuthenticationFailed,
		statusSharedSecretMismatch, statusAccountUnauthorized:
		return authority.Permanent("apple verify", status, reasonFor(status))
	case statusServerUnavailable, statusInternalError:
		return authority.Transient("apple verify", status, reasonFor(status), nil)
	default:
		return authority.Permanent("apple verify", status, "unrecognized verifyReceipt status")
	}
}

func reasonFor(status int) string {
	if r, ok := statusReasons[status]; ok {
		return r
	}
	return "unrecognized verifyReceipt status"
}
