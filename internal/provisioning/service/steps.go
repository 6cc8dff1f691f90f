package service

import (
	"context"
	"errors"

	"provisioner/internal/provisioning/events"
	"provisioner/internal/provisioning/ledger"
	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/providers"
	dErrors "provisioner/pkg/domainerrors"
	"provisioner/pkg/requestcontext"
)

// runState carries one run's working data between steps.
type runState struct {
	callerCtx context.Context
	order     *models.Order
	fqdn      string
	record    *models.DomainRecord
	document  *models.MetadataDocument
	steps     models.Steps
	reused    bool
}

// callerGone reports caller cancellation. It is only consulted before the
// mint is submitted.
func (r *runState) callerGone() error {
	if r.callerCtx == nil {
		return nil
	}
	if err := r.callerCtx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "caller cancelled before mint")
	}
	return nil
}

func (s *Orchestrator) buildMetadata(_ context.Context, r *runState) error {
	doc, err := models.BuildMetadata(r.order, r.fqdn, s.settings.RootDomain, s.settings.Chain)
	if err != nil {
		return err
	}
	r.document = doc
	r.steps.Metadata = true
	return nil
}

func (s *Orchestrator) uploadContent(ctx context.Context, r *runState) error {
	if r.record.HasContent() {
		s.logger.InfoContext(ctx, "reusing pinned metadata", "fqdn", r.fqdn, "cid", r.record.ContentID)
		r.steps.Content = true
		return nil
	}
	if err := r.callerGone(); err != nil {
		return err
	}

	res, err := s.content.Upload(ctx, r.document)
	s.externalCall("content_store", err)
	if err != nil {
		return err
	}
	r.record.ContentID = res.ContentID
	r.record.Metadata.Content = models.ContentInfo{URI: res.ContentURI, GatewayURL: res.GatewayURL}
	r.steps.Content = true

	if err := s.audit(ctx, r, models.AuditContentUpload, map[string]any{
		"cid":         res.ContentID,
		"uri":         res.ContentURI,
		"gateway_url": res.GatewayURL,
	}); err != nil {
		return err
	}
	return s.checkpoint(ctx, r.record)
}

func (s *Orchestrator) mint(ctx context.Context, r *runState) error {
	rec := r.record
	if rec.HasMint() {
		s.logger.InfoContext(ctx, "reusing minted token", "fqdn", r.fqdn, "token_id", rec.TokenID)
		r.steps.Mint = true
		return nil
	}

	var (
		res   *ledger.MintResult
		err   error
		owner string
	)
	if rec.HasPendingMint() {
		contract := rec.ContractAddress
		if contract == "" {
			contract = s.settings.ContractAddress
		}
		s.logger.InfoContext(ctx, "awaiting previously submitted mint", "fqdn", r.fqdn, "tx_hash", rec.Metadata.Chain.TxHash)
		res, err = s.ledger.AwaitMint(ctx, contract, rec.Metadata.Chain.TxHash)
	} else {
		if err := r.callerGone(); err != nil {
			return err
		}
		owner, err = s.ownerAddress(ctx, r.order)
		if err != nil {
			return err
		}
		res, err = s.ledger.Mint(ctx, s.settings.ContractAddress, owner, contentURI(rec))
	}
	s.externalCall("ledger", err)
	if err != nil {
		s.rememberPendingMint(ctx, rec, err)
		return err
	}

	rec.TokenID = res.TokenID
	rec.ContractAddress = res.ContractAddress
	rec.Metadata.Chain = models.ChainInfo{
		Chain:            res.Chain,
		TxHash:           res.TxHash,
		BlockNumber:      res.BlockNumber,
		TokenIDUncertain: res.TokenIDUncertain,
	}
	if res.TokenIDUncertain {
		s.logger.WarnContext(ctx, "token id could not be decoded; recorded sentinel for reconciliation",
			"fqdn", r.fqdn,
			"tx_hash", res.TxHash,
			"token_id", res.TokenID,
		)
		if s.metrics != nil {
			s.metrics.IncTokenIDUncertain()
		}
	}
	r.steps.Mint = true

	if err := s.audit(ctx, r, models.AuditMint, map[string]any{
		"token_id":           res.TokenID,
		"token_id_uncertain": res.TokenIDUncertain,
		"tx_hash":            res.TxHash,
		"block_number":       res.BlockNumber,
		"contract":           res.ContractAddress,
		"chain":              res.Chain,
		"owner":              owner,
	}); err != nil {
		return err
	}
	return s.checkpoint(ctx, rec)
}

// rememberPendingMint records the hash of a broadcast but unconfirmed
// transaction, so the next run waits for it instead of minting twice. A
// reverted transaction is forgotten so the next run can mint afresh.
func (s *Orchestrator) rememberPendingMint(ctx context.Context, rec *models.DomainRecord, err error) {
	var pe *providers.ProviderError
	if !errors.As(err, &pe) || pe.Reference == "" {
		return
	}
	if pe.Category == providers.ErrorRejected {
		if rec.Metadata.Chain.TxHash == "" {
			return
		}
		rec.Metadata.Chain.TxHash = ""
	} else {
		rec.Metadata.Chain.TxHash = pe.Reference
		rec.Metadata.Chain.Chain = s.settings.Chain
		if rec.ContractAddress == "" {
			rec.ContractAddress = s.settings.ContractAddress
		}
	}
	if cpErr := s.checkpoint(ctx, rec); cpErr != nil {
		s.logger.ErrorContext(ctx, "failed to record pending mint transaction",
			"fqdn", rec.FQDN,
			"tx_hash", pe.Reference,
			"error", cpErr,
		)
	}
}

func (s *Orchestrator) ownerAddress(ctx context.Context, order *models.Order) (string, error) {
	if s.wallets != nil {
		addr, err := s.wallets.WalletAddress(ctx, order.UserID)
		if err != nil {
			return "", dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to resolve owner wallet")
		}
		if addr != "" {
			return addr, nil
		}
	}
	s.logger.WarnContext(ctx, "no wallet registered for user; minting to placeholder address",
		"order_id", order.ID,
		"user_id", order.UserID,
	)
	return models.ZeroAddress, nil
}

func (s *Orchestrator) configureDNS(ctx context.Context, r *runState) error {
	rec := r.record
	chain := rec.Metadata.Chain.Chain
	if chain == "" {
		chain = s.settings.Chain
	}
	pair, err := s.registrar.Upsert(ctx, r.fqdn, s.settings.PublicHost, rec.ContractAddress, rec.TokenID, chain)
	s.externalCall("dns", err)
	if err != nil {
		return err
	}
	rec.Metadata.DNS = models.DNSInfo{
		AliasRecordID:      pair.Alias.ID,
		DescriptorRecordID: pair.Descriptor.ID,
	}
	r.steps.DNS = true

	return s.audit(ctx, r, models.AuditDNSConfigure, map[string]any{
		"alias_record_id":      pair.Alias.ID,
		"alias_target":         pair.Alias.Content,
		"descriptor_record_id": pair.Descriptor.ID,
		"descriptor":           pair.Descriptor.Content,
	})
}

// persist activates the record and writes the completion audit in one
// transaction, so an active record always has its PROVISION_COMPLETE entry.
func (s *Orchestrator) persist(ctx context.Context, r *runState) error {
	rec := r.record
	rec.Status = models.StatusActive
	rec.UpdatedAt = s.clock()

	write := func(ctx context.Context) error {
		if err := s.domains.Upsert(ctx, rec); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to persist domain record")
		}
		return s.audit(ctx, r, models.AuditProvisionComplete, map[string]any{
			"domain_id":          rec.ID.String(),
			"token_id":           rec.TokenID,
			"token_id_uncertain": rec.Metadata.Chain.TokenIDUncertain,
			"cid":                rec.ContentID,
			"status":             string(rec.Status),
		})
	}
	var err error
	if s.tx != nil {
		err = s.tx.RunInTx(ctx, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		rec.Status = models.StatusPending
		return err
	}
	r.steps.Database = true
	return nil
}

// fail is the single place a step failure is logged, audited and published.
func (s *Orchestrator) fail(ctx context.Context, r *runState, step string, err error) error {
	stepErr := &StepError{Domain: r.fqdn, Step: step, Steps: r.steps, Err: err}

	s.logger.ErrorContext(ctx, "provisioning step failed",
		"order_id", r.order.ID,
		"fqdn", r.fqdn,
		"step", step,
		"error_kind", stepErr.Kind(),
		"retryable", stepErr.Retryable(),
		"completed_steps", r.steps.Completed(),
		"error", err,
	)
	if auditErr := s.audit(ctx, r, models.AuditProvisionFailed, map[string]any{
		"failed_step":     step,
		"completed_steps": r.steps.Completed(),
		"error":           err.Error(),
		"error_kind":      stepErr.Kind(),
		"retryable":       stepErr.Retryable(),
		"provider_status": providerStatus(err),
	}); auditErr != nil {
		s.logger.ErrorContext(ctx, "failed to audit provisioning failure", "order_id", r.order.ID, "error", auditErr)
	}
	s.incRun("failed")
	s.publish(ctx, r, stepErr)
	return stepErr
}

func (s *Orchestrator) publish(ctx context.Context, r *runState, stepErr *StepError) {
	e := events.OutcomeEvent{
		OrderID:    r.order.ID,
		Domain:     r.fqdn,
		Outcome:    events.OutcomeCompleted,
		Completed:  r.steps.Completed(),
		RequestID:  requestcontext.RequestID(ctx),
		OccurredAt: s.clock(),
	}
	if r.reused {
		e.AlreadyProvisioned = true
	}
	if r.record != nil {
		e.TokenID = r.record.TokenID
		e.TokenIDUncertain = r.record.Metadata.Chain.TokenIDUncertain
		e.ContentID = r.record.ContentID
	}
	if stepErr != nil {
		e.Outcome = events.OutcomeFailed
		e.FailedStep = stepErr.Step
		e.ErrorKind = stepErr.Kind()
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "failed to publish provisioning outcome", "order_id", r.order.ID, "error", err)
	}
}

func contentURI(rec *models.DomainRecord) string {
	if rec.Metadata.Content.URI != "" {
		return rec.Metadata.Content.URI
	}
	return "ipfs://" + rec.ContentID
}

func providerStatus(err error) int {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
