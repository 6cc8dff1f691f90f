package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes personal identity names from numeric assets.
type Kind string

const (
	KindPersonal Kind = "personal"
	KindNumeric  Kind = "numeric"
)

func (k Kind) IsValid() bool {
	return k == KindPersonal || k == KindNumeric
}

// Status is the lifecycle status of a DomainRecord.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// ZeroAddress receives mints for users without a registered wallet.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// UnknownTokenID is recorded when a confirmed mint emitted no decodable
// transfer event.
const UnknownTokenID = "0"

// ChainInfo describes the mint transaction.
type ChainInfo struct {
	Chain            string `json:"chain,omitempty"`
	TxHash           string `json:"tx_hash,omitempty"`
	BlockNumber      uint64 `json:"block_number,omitempty"`
	TokenIDUncertain bool   `json:"token_id_uncertain,omitempty"`
}

// ContentInfo describes where the metadata document is pinned.
type ContentInfo struct {
	URI        string `json:"uri,omitempty"`
	GatewayURL string `json:"gateway_url,omitempty"`
}

// DNSInfo holds the provider ids of the record pair.
type DNSInfo struct {
	AliasRecordID      string `json:"alias_record_id,omitempty"`
	DescriptorRecordID string `json:"descriptor_record_id,omitempty"`
}

// RecordMetadata is the structured metadata column of a domain record.
type RecordMetadata struct {
	Chain   ChainInfo   `json:"chain"`
	Content ContentInfo `json:"content"`
	DNS     DNSInfo     `json:"dns"`
}

// DomainRecord is the durable provisioning result for one fqdn.
type DomainRecord struct {
	ID              uuid.UUID
	FQDN            string
	Kind            Kind
	UserID          string
	OrderID         string
	Status          Status
	TokenID         string
	ContractAddress string
	ContentID       string
	Metadata        RecordMetadata
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsFullyProvisioned reports whether token id, contract address and content id
// are all present. Anything less is eligible for resumed provisioning.
func (d *DomainRecord) IsFullyProvisioned() bool {
	return d != nil && d.HasContent() && d.HasMint()
}

// IsComplete reports a fully provisioned record that the final persistence
// step has activated. Checkpointed records carry every artifact while still
// pending DNS and activation.
func (d *DomainRecord) IsComplete() bool {
	return d.IsFullyProvisioned() && d.Status == StatusActive
}

// HasContent reports whether the metadata document was already pinned.
func (d *DomainRecord) HasContent() bool {
	return d != nil && d.ContentID != ""
}

// HasMint reports whether the token was already minted.
func (d *DomainRecord) HasMint() bool {
	return d != nil && d.TokenID != "" && d.ContractAddress != ""
}

// HasPendingMint reports a broadcast mint whose confirmation was never observed.
func (d *DomainRecord) HasPendingMint() bool {
	return d != nil && !d.HasMint() && d.Metadata.Chain.TxHash != ""
}

// FQDN qualifies a label with the root domain. Names that already contain a dot
// are returned as given.
func FQDN(name, rootDomain string) string {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" || strings.Contains(name, ".") {
		return name
	}
	root := strings.ToLower(strings.Trim(strings.TrimSpace(rootDomain), "."))
	if root == "" {
		return name
	}
	return name + "." + root
}

// Label returns the leftmost label of an fqdn.
func Label(fqdn string) string {
	if i := strings.IndexByte(fqdn, '.'); i >= 0 {
		return fqdn[:i]
	}
	return fqdn
}
