package domain

// PricingBreakdown captures the aggregated monetary results of pricing a checkout.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
	Items    []ItemPricingBreakdown
	Metadata map[string]any
}

// ItemPricingBreakdown stores the per-line pricing outputs after running the engine.
type ItemPricingBreakdown struct {
	VariantID string
	SKU       string
	Quantity  int
	UnitPrice int64
	Subtotal  int64
}
