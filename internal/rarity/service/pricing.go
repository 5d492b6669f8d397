package service

// Bonding curve parameters, in cents.
const (
	basePriceCents    = 900
	stepPriceCents    = 100
	unitsPerStep      = 10
	premiumMultiplier = 3
)

var premiumRoots = map[string]struct{}{
	"888": {}, "877": {}, "866": {}, "855": {}, "844": {}, "833": {},
}

// PriceCents returns the price of the next unit given how many have been sold.
func PriceCents(sold int, identifier string) int64 {
	if sold < 0 {
		sold = 0
	}
	price := int64(basePriceCents + (sold/unitsPerStep)*stepPriceCents)
	if IsPremium(identifier) {
		price *= premiumMultiplier
	}
	return price
}

// IsPremium reports whether identifier has a premium label root.
func IsPremium(identifier string) bool {
	_, ok := premiumRoots[LabelRoot(identifier)]
	return ok
}
