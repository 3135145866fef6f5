package types

// Provider identifies the external authority that owns a subscription.
type Provider string

const (
	ProviderCard    Provider = "card"
	ProviderIOS     Provider = "ios"
	ProviderAndroid Provider = "android"
)

// Platform identifies the mobile store a purchase proof came from.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

func (p Platform) Valid() bool {
	return p == PlatformIOS || p == PlatformAndroid
}

// Provider returns the subscription provider owning purchases from this platform.
func (p Platform) Provider() Provider {
	switch p {
	case PlatformIOS:
		return ProviderIOS
	case PlatformAndroid:
		return ProviderAndroid
	}
	return ""
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCancelled  SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired    SubscriptionStatus = "expired"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// Entitled reports whether a subscription in this status grants its tier.
func (s SubscriptionStatus) Entitled() bool {
	return s == SubscriptionStatusActive || s == SubscriptionStatusTrialing
}

type ValidationStatus string

const (
	ValidationStatusValid   ValidationStatus = "valid"
	ValidationStatusInvalid ValidationStatus = "invalid"
)

type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// BaselineTier is the tier every user holds without an entitling subscription.
const BaselineTier = 0
