package service

import (
	"context"
	"time"

	"provisioner/internal/provisioning/contentstore"
	"provisioner/internal/provisioning/dns"
	"provisioner/internal/provisioning/events"
	"provisioner/internal/provisioning/ledger"
	"provisioner/internal/provisioning/lock"
	"provisioner/internal/provisioning/models"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks provisioner/internal/provisioning/service ContentStore,Ledger,Registrar,Publisher

type OrderStore interface {
	FindByID(ctx context.Context, orderID string) (*models.Order, error)
}

type DomainStore interface {
	FindByFQDN(ctx context.Context, fqdn string) (*models.DomainRecord, error)
	Upsert(ctx context.Context, rec *models.DomainRecord) error
}

type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]*models.AuditEntry, error)
}

// WalletResolver returns "" for users without a registered wallet.
type WalletResolver interface {
	WalletAddress(ctx context.Context, userID string) (string, error)
}

type ContentStore interface {
	Upload(ctx context.Context, doc *models.MetadataDocument) (*contentstore.UploadResult, error)
}

type Ledger interface {
	Mint(ctx context.Context, contractAddress, ownerAddress, tokenURI string) (*ledger.MintResult, error)
	AwaitMint(ctx context.Context, contractAddress, txHash string) (*ledger.MintResult, error)
	VerifyOwnership(ctx context.Context, contractAddress, tokenID, expectedOwner string) (bool, error)
}

type Registrar interface {
	Upsert(ctx context.Context, name, aliasTarget, contractAddress, tokenID, chain string) (*dns.RecordPair, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Release, error)
}

type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Publisher interface {
	Publish(ctx context.Context, e events.OutcomeEvent) error
}
