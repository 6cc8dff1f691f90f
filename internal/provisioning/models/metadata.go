package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Price is the amount paid, in fiat and in the chain's token.
type Price struct {
	USD   decimal.Decimal `json:"usd"`
	Token decimal.Decimal `json:"token"`
}

// Attribute follows the common NFT metadata trait layout.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}

// MetadataDocument is the JSON document pinned to the content store and
// referenced by the token URI.
type MetadataDocument struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Kind        Kind        `json:"kind"`
	CreatedAt   time.Time   `json:"created_at"`
	Price       Price       `json:"price"`
	OwnerID     string      `json:"owner_id"`
	OrderID     string      `json:"order_id"`
	Attributes  []Attribute `json:"attributes"`
}

// BuildMetadata derives the document from the order alone, so rebuilding it for
// the same order always yields the same document.
func BuildMetadata(order *Order, fqdn, registrar, chain string) (*MetadataDocument, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	kind := order.DeclaredKind()
	return &MetadataDocument{
		Name:        fqdn,
		Description: "Domain identity " + fqdn + " registered with " + registrar,
		Kind:        kind,
		CreatedAt:   order.CreatedAt.UTC(),
		Price: Price{
			USD:   order.PriceUSD,
			Token: order.PriceToken,
		},
		OwnerID: order.UserID,
		OrderID: order.ID,
		Attributes: []Attribute{
			{TraitType: "label", Value: Label(fqdn)},
			{TraitType: "kind", Value: string(kind)},
			{TraitType: "registrar", Value: registrar},
			{TraitType: "chain", Value: chain},
		},
	}, nil
}
