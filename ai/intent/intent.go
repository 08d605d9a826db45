// Package intent holds the closed intent set reported by the model and the
// order side-effect engine driven by it.
package intent

// Intents the model is instructed to choose from.
const (
	Information   = "INFORMATION"
	SalesInquiry  = "SALES_INQUIRY"
	Support       = "SUPPORT"
	GeneralChat   = "GENERAL_CHAT"
	PlaceOrder    = "PLACE_ORDER"
	UpdateOrder   = "UPDATE_ORDER"
	CheckQuantity = "CHECK_QUANTITY"
)

// All lists the closed set in prompt order.
var All = []string{
	Information,
	SalesInquiry,
	Support,
	GeneralChat,
	PlaceOrder,
	UpdateOrder,
	CheckQuantity,
}

// Valid reports whether s is a member of the closed intent set.
func Valid(s string) bool {
	switch s {
	case Information, SalesInquiry, Support, GeneralChat, PlaceOrder, UpdateOrder, CheckQuantity:
		return true
	}
	return false
}

// IsOrderIntent reports whether s triggers the order side-effect engine.
func IsOrderIntent(s string) bool {
	switch s {
	case PlaceOrder, UpdateOrder, CheckQuantity:
		return true
	}
	return false
}
