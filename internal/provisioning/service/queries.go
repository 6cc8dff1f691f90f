package service

import (
	"context"
	"errors"
	"strings"

	"provisioner/internal/provisioning/models"
	dErrors "provisioner/pkg/domainerrors"
	"provisioner/pkg/platform/sentinel"
)

// OwnershipReport is the outcome of an on-chain ownership check.
type OwnershipReport struct {
	Domain           string `json:"domain"`
	TokenID          string `json:"tokenId"`
	ContractAddress  string `json:"contractAddress"`
	ExpectedOwner    string `json:"expectedOwner"`
	Owned            bool   `json:"owned"`
	Checked          bool   `json:"checked"`
	TokenIDUncertain bool   `json:"tokenIdUncertain"`
}

// VerifyOwnership checks that the wallet of the record's owner still holds the
// token. Records minted with an undecodable token id are reported for manual
// reconciliation without a chain call.
func (s *Orchestrator) VerifyOwnership(ctx context.Context, fqdn string) (*OwnershipReport, error) {
	fqdn = models.FQDN(fqdn, s.settings.RootDomain)
	if fqdn == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "domain is required")
	}
	rec, err := s.domains.FindByFQDN(ctx, fqdn)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "domain "+fqdn+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load domain record")
	}
	if !rec.HasMint() {
		return nil, dErrors.New(dErrors.CodePrecondition, "domain "+fqdn+" has no minted token")
	}

	report := &OwnershipReport{
		Domain:           fqdn,
		TokenID:          rec.TokenID,
		ContractAddress:  rec.ContractAddress,
		TokenIDUncertain: rec.Metadata.Chain.TokenIDUncertain,
	}
	expected := models.ZeroAddress
	if s.wallets != nil {
		addr, err := s.wallets.WalletAddress(ctx, rec.UserID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to resolve owner wallet")
		}
		if addr != "" {
			expected = addr
		}
	}
	report.ExpectedOwner = expected
	if report.TokenIDUncertain {
		s.logger.WarnContext(ctx, "ownership check skipped: token id uncertain",
			"fqdn", fqdn,
			"tx_hash", rec.Metadata.Chain.TxHash,
		)
		return report, nil
	}

	owned, err := s.ledger.VerifyOwnership(ctx, rec.ContractAddress, rec.TokenID, expected)
	s.externalCall("ledger", err)
	if err != nil {
		return nil, err
	}
	report.Owned = owned
	report.Checked = true
	if !owned {
		s.logger.WarnContext(ctx, "token not held by expected owner",
			"fqdn", fqdn,
			"token_id", rec.TokenID,
			"expected_owner", expected,
		)
	}
	return report, nil
}

// ListAudits returns the audit trail of an order, oldest first.
func (s *Orchestrator) ListAudits(ctx context.Context, orderID string) ([]*models.AuditEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "orderId is required")
	}
	entries, err := s.audits.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list audit entries")
	}
	return entries, nil
}
