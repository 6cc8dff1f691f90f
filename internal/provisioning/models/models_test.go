package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	dErrors "provisioner/pkg/domainerrors"
)

func paidOrder() *Order {
	return &Order{
		ID:            "ord_1",
		DomainName:    "maria",
		PaymentStatus: PaymentStatusPaid,
		UserID:        "user-1",
		PriceUSD:      decimal.RequireFromString("25.00"),
		PriceToken:    decimal.RequireFromString("12.5"),
		Metadata:      map[string]any{"domain_type": "personal"},
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFQDN(t *testing.T) {
	tests := []struct {
		name, in, root, want string
	}{
		{"bare label", "maria", "example.id", "maria.example.id"},
		{"already qualified", "maria.example.id", "example.id", "maria.example.id"},
		{"normalizes case and dots", " Maria. ", ".Example.ID.", "maria.example.id"},
		{"no root", "maria", "", "maria"},
		{"empty", "", "example.id", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FQDN(tt.in, tt.root))
		})
	}
}

func TestDeclaredKind(t *testing.T) {
	o := paidOrder()
	assert.Equal(t, KindPersonal, o.DeclaredKind())

	o.Metadata = map[string]any{"domain_type": "NUMERIC"}
	assert.Equal(t, KindNumeric, o.DeclaredKind())

	o.Metadata = nil
	o.DomainName = "8888"
	assert.Equal(t, KindNumeric, o.DeclaredKind())

	o.Metadata = map[string]any{"domain_type": "vanity"}
	o.DomainName = "maria"
	assert.Equal(t, KindPersonal, o.DeclaredKind())
}

func TestDomainRecordCompleteness(t *testing.T) {
	var nilRecord *DomainRecord
	assert.False(t, nilRecord.IsFullyProvisioned())

	rec := &DomainRecord{ContentID: "bafy"}
	assert.True(t, rec.HasContent())
	assert.False(t, rec.HasMint())
	assert.False(t, rec.IsFullyProvisioned())

	rec.TokenID = "42"
	assert.False(t, rec.IsFullyProvisioned(), "contract address still missing")

	rec.ContractAddress = "0xabc"
	assert.True(t, rec.IsFullyProvisioned())
}

func TestDomainRecordIsComplete(t *testing.T) {
	var nilRecord *DomainRecord
	assert.False(t, nilRecord.IsComplete())

	rec := &DomainRecord{Status: StatusPending, ContentID: "bafy", TokenID: "42", ContractAddress: "0xabc"}
	assert.True(t, rec.IsFullyProvisioned())
	assert.False(t, rec.IsComplete(), "checkpointed record still needs dns and activation")

	rec.Status = StatusActive
	assert.True(t, rec.IsComplete())

	rec.TokenID = ""
	assert.False(t, rec.IsComplete())
}

func TestHasPendingMint(t *testing.T) {
	rec := &DomainRecord{Metadata: RecordMetadata{Chain: ChainInfo{TxHash: "0xfeed"}}}
	assert.True(t, rec.HasPendingMint())

	rec.TokenID = "42"
	rec.ContractAddress = "0xabc"
	assert.False(t, rec.HasPendingMint())
}

func TestBuildMetadataRejectsMalformedOrder(t *testing.T) {
	o := paidOrder()
	o.UserID = ""
	_, err := BuildMetadata(o, "maria.example.id", "example.id", "polygon")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
}

func TestBuildMetadata(t *testing.T) {
	doc, err := BuildMetadata(paidOrder(), "maria.example.id", "example.id", "polygon")
	require.NoError(t, err)

	assert.Equal(t, "maria.example.id", doc.Name)
	assert.Equal(t, KindPersonal, doc.Kind)
	assert.Equal(t, "ord_1", doc.OrderID)
	assert.Equal(t, "user-1", doc.OwnerID)
	assert.True(t, doc.Price.USD.Equal(decimal.RequireFromString("25")))
	assert.Equal(t, []Attribute{
		{TraitType: "label", Value: "maria"},
		{TraitType: "kind", Value: "personal"},
		{TraitType: "registrar", Value: "example.id"},
		{TraitType: "chain", Value: "polygon"},
	}, doc.Attributes)
}

func TestBuildMetadataIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		label := rapid.StringMatching(`[a-z0-9]{1,24}`).Draw(t, "label")
		cents := rapid.Int64Range(0, 10_000_000).Draw(t, "cents")
		created := time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "created"), 0)
		order := &Order{
			ID:            rapid.StringMatching(`ord_[a-z0-9]{1,10}`).Draw(t, "order"),
			DomainName:    label,
			PaymentStatus: PaymentStatusPaid,
			UserID:        rapid.StringMatching(`[a-z0-9-]{1,16}`).Draw(t, "user"),
			PriceUSD:      decimal.New(cents, -2),
			PriceToken:    decimal.New(cents, -6),
			CreatedAt:     created,
		}
		fqdn := FQDN(label, "example.id")

		first, err := BuildMetadata(order, fqdn, "example.id", "polygon")
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		second, err := BuildMetadata(order, fqdn, "example.id", "polygon")
		if err != nil {
			t.Fatalf("build: %v", err)
		}

		a, _ := json.Marshal(first)
		b, _ := json.Marshal(second)
		if string(a) != string(b) {
			t.Fatalf("metadata differs between builds:\n%s\n%s", a, b)
		}
		if first.Name != fqdn || first.OrderID != order.ID || first.OwnerID != order.UserID {
			t.Fatalf("document does not describe the order: %+v", first)
		}
		if len(first.Attributes) != 4 {
			t.Fatalf("expected 4 attributes, got %d", len(first.Attributes))
		}
	})
}

func TestFullyProvisionedRequiresAllThreeArtifacts(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rec := &DomainRecord{
			TokenID:         rapid.SampledFrom([]string{"", "0", "42"}).Draw(t, "token"),
			ContractAddress: rapid.SampledFrom([]string{"", "0xabc"}).Draw(t, "contract"),
			ContentID:       rapid.SampledFrom([]string{"", "bafy"}).Draw(t, "cid"),
		}
		want := rec.TokenID != "" && rec.ContractAddress != "" && rec.ContentID != ""
		if rec.IsFullyProvisioned() != want {
			t.Fatalf("IsFullyProvisioned()=%v for %+v", rec.IsFullyProvisioned(), rec)
		}
	})
}

func TestStepsCompleted(t *testing.T) {
	s := Steps{Metadata: true, Content: true, Mint: true}
	assert.Equal(t, []string{"metadata", "content", "mint"}, s.Completed())
	assert.Empty(t, Steps{}.Completed())
}
