package store

import "strings"

// Industry selects the extraction template for a tenant. The set is
// closed; unknown values normalize to IndustryOther.
type Industry string

const (
	IndustryInsurance  Industry = "insurance"
	IndustryBanking    Industry = "banking"
	IndustryRestaurant Industry = "restaurant"
	IndustryHotel      Industry = "hotel"
	IndustryOther      Industry = "other"
)

// NormalizeIndustry maps arbitrary input onto the closed industry set.
func NormalizeIndustry(s string) Industry {
	switch normalized := Industry(strings.ToLower(strings.TrimSpace(s))); normalized {
	case IndustryInsurance, IndustryBanking, IndustryRestaurant, IndustryHotel:
		return normalized
	default:
		return IndustryOther
	}
}

// Company is a registered tenant. The industry tag is immutable after
// registration.
type Company struct {
	ID        string
	Name      string
	Industry  Industry
	CreatedTs int64
	UpdatedTs int64
}
