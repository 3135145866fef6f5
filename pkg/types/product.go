package types

// Product is one sellable catalog entry, keyed by the store product id.
type Product struct {
	ID       string   `json:"id" mapstructure:"id"`
	Provider Provider `json:"provider" mapstructure:"provider"`
	TierID   int      `json:"tier_id" mapstructure:"tier_id"`
	// Lifetime marks one-time products that grant a non-expiring entitlement.
	Lifetime bool `json:"lifetime" mapstructure:"lifetime"`
}
