package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction names a provisioning transition.
type AuditAction string

const (
	AuditProvisionStart    AuditAction = "PROVISION_START"
	AuditContentUpload     AuditAction = "CONTENT_UPLOAD"
	AuditMint              AuditAction = "MINT"
	AuditDNSConfigure      AuditAction = "DNS_CONFIGURE"
	AuditProvisionComplete AuditAction = "PROVISION_COMPLETE"
	AuditProvisionFailed   AuditAction = "PROVISION_FAILED"
)

// AuditEntry is an append-only row; it is never updated or deleted.
type AuditEntry struct {
	ID        uuid.UUID      `json:"id"`
	OrderID   string         `json:"order_id"`
	Domain    string         `json:"domain"`
	Action    AuditAction    `json:"action"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewAuditEntry stamps a new entry.
func NewAuditEntry(orderID, domain string, action AuditAction, metadata map[string]any, now time.Time) *AuditEntry {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return &AuditEntry{
		ID:        uuid.New(),
		OrderID:   orderID,
		Domain:    domain,
		Action:    action,
		Metadata:  metadata,
		CreatedAt: now,
	}
}
