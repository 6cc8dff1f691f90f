package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	dErrors "provisioner/pkg/domainerrors"
)

// PaymentStatus mirrors the checkout flow's order state. Only PaymentStatusPaid
// is eligible for provisioning.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Order is a recorded purchase of a domain label. Read-only here.
type Order struct {
	ID            string
	DomainName    string
	PaymentStatus PaymentStatus
	UserID        string
	PriceUSD      decimal.Decimal
	PriceToken    decimal.Decimal
	Metadata      map[string]any
	CreatedAt     time.Time
}

// IsPaid reports whether the order may be provisioned.
func (o *Order) IsPaid() bool {
	return o.PaymentStatus == PaymentStatusPaid
}

// Validate rejects orders that cannot produce a metadata document.
func (o *Order) Validate() error {
	if strings.TrimSpace(o.DomainName) == "" {
		return dErrors.New(dErrors.CodeValidation, "order has no domain name")
	}
	if strings.TrimSpace(o.UserID) == "" {
		return dErrors.New(dErrors.CodeValidation, "order has no purchasing user")
	}
	if o.PriceUSD.IsNegative() || o.PriceToken.IsNegative() {
		return dErrors.New(dErrors.CodeValidation, "order price is negative")
	}
	return nil
}

// DeclaredKind returns the kind the buyer declared in the purchase metadata,
// falling back to numeric for all-digit labels and personal otherwise.
func (o *Order) DeclaredKind() Kind {
	if raw, ok := o.Metadata["domain_type"].(string); ok {
		if k := Kind(strings.ToLower(strings.TrimSpace(raw))); k.IsValid() {
			return k
		}
	}
	label := o.DomainName
	if i := strings.IndexByte(label, '.'); i >= 0 {
		label = label[:i]
	}
	if isDigits(label) {
		return KindNumeric
	}
	return KindPersonal
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Customer links a user to the wallet that receives minted tokens.
type Customer struct {
	UserID        string
	WalletAddress string
}
