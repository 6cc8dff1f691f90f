// Package service implements the provisioning orchestrator: it turns a paid
// order into a pinned metadata document, a minted token, a DNS record pair and
// an active domain record, reusing whatever earlier runs already produced.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"provisioner/internal/provisioning/events"
	"provisioner/internal/provisioning/metrics"
	"provisioner/internal/provisioning/models"
	dErrors "provisioner/pkg/domainerrors"
	"provisioner/pkg/platform/sentinel"
	"provisioner/pkg/requestcontext"
)

// Settings are the fixed coordinates every run uses.
type Settings struct {
	ContractAddress string
	Chain           string
	PublicHost      string
	RootDomain      string
	PipelineTimeout time.Duration
	LockTTL         time.Duration
}

// Clients groups the outbound integrations.
type Clients struct {
	Content   ContentStore
	Ledger    Ledger
	Registrar Registrar
}

// Orchestrator sequences the provisioning steps. It never retries; callers
// re-invoke with the same order id and the resumption rule skips finished work.
type Orchestrator struct {
	orders    OrderStore
	domains   DomainStore
	audits    AuditStore
	wallets   WalletResolver
	content   ContentStore
	ledger    Ledger
	registrar Registrar
	locker    Locker
	tx        Transactor
	publisher Publisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	clock     func() time.Time
	settings  Settings
	inflight  singleflight.Group
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Orchestrator) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Orchestrator) {
		s.metrics = m
	}
}

func WithWalletResolver(w WalletResolver) Option {
	return func(s *Orchestrator) {
		s.wallets = w
	}
}

func WithLocker(l Locker) Option {
	return func(s *Orchestrator) {
		s.locker = l
	}
}

func WithTransactor(t Transactor) Option {
	return func(s *Orchestrator) {
		s.tx = t
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Orchestrator) {
		s.publisher = p
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Orchestrator) {
		s.tracer = t
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Orchestrator) {
		s.clock = clock
	}
}

// New constructs an Orchestrator.
func New(orders OrderStore, domains DomainStore, audits AuditStore, clients Clients, settings Settings, opts ...Option) (*Orchestrator, error) {
	switch {
	case orders == nil:
		return nil, errors.New("order store is required")
	case domains == nil:
		return nil, errors.New("domain store is required")
	case audits == nil:
		return nil, errors.New("audit store is required")
	case clients.Content == nil || clients.Ledger == nil || clients.Registrar == nil:
		return nil, errors.New("content store, ledger and registrar clients are required")
	case settings.ContractAddress == "" || settings.PublicHost == "":
		return nil, errors.New("contract address and public host are required")
	}
	s := &Orchestrator{
		orders:    orders,
		domains:   domains,
		audits:    audits,
		content:   clients.Content,
		ledger:    clients.Ledger,
		registrar: clients.Registrar,
		settings:  settings,
		logger:    slog.Default(),
		clock:     time.Now,
		publisher: events.Nop{},
		tracer:    otel.Tracer("provisioner/provisioning"),
	}
	if s.settings.PipelineTimeout <= 0 {
		s.settings.PipelineTimeout = 5 * time.Minute
	}
	if s.settings.LockTTL <= 0 {
		s.settings.LockTTL = 10 * time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	// A lock that expires before the run's deadline lets a second run mint the
	// same name.
	if s.settings.LockTTL < s.settings.PipelineTimeout {
		s.logger.Warn("lock ttl shorter than pipeline timeout; raising it",
			"lock_ttl", s.settings.LockTTL,
			"pipeline_timeout", s.settings.PipelineTimeout,
		)
		s.settings.LockTTL = s.settings.PipelineTimeout
	}
	return s, nil
}

// Provision runs the pipeline for orderID. Duplicate in-process calls for the
// same order share one run.
func (s *Orchestrator) Provision(ctx context.Context, orderID string) (*models.Result, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "orderId is required")
	}
	v, err, shared := s.inflight.Do(orderID, func() (any, error) {
		return s.run(ctx, orderID)
	})
	if shared {
		s.logger.InfoContext(ctx, "joined in-flight provisioning run", "order_id", orderID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*models.Result), nil
}

// run detaches from the caller: once the mint has been submitted the pipeline
// must finish and persist even if the caller is gone. Caller cancellation is
// honored only up to that point.
func (s *Orchestrator) run(callerCtx context.Context, orderID string) (*models.Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(callerCtx), s.settings.PipelineTimeout)
	defer cancel()

	if s.metrics != nil {
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()
	}

	order, err := s.loadEligibleOrder(ctx, orderID)
	if err != nil {
		s.incRun("rejected")
		if order != nil {
			return nil, &RejectedError{Domain: models.FQDN(order.DomainName, s.settings.RootDomain), Err: err}
		}
		return nil, err
	}
	fqdn := models.FQDN(order.DomainName, s.settings.RootDomain)

	release, err := s.acquire(ctx, fqdn)
	if err != nil {
		s.incRun("rejected")
		return nil, &RejectedError{Domain: fqdn, Err: err}
	}
	defer release()

	existing, err := s.findRecord(ctx, fqdn)
	if err != nil {
		s.incRun("rejected")
		return nil, &RejectedError{Domain: fqdn, Err: err}
	}
	if existing != nil && existing.OrderID != order.ID {
		s.incRun("rejected")
		return nil, &RejectedError{
			Domain: fqdn,
			Err:    dErrors.Wrap(errNameTaken, dErrors.CodeConflict, fqdn+" is provisioned for order "+existing.OrderID),
		}
	}
	if existing.IsComplete() {
		return s.alreadyProvisioned(ctx, order, existing)
	}

	r := &runState{
		callerCtx: callerCtx,
		order:     order,
		fqdn:      fqdn,
		record:    s.workingRecord(order, fqdn, existing),
	}
	if err := s.audit(ctx, r, models.AuditProvisionStart, map[string]any{
		"resumed":        existing != nil,
		"reuse_content":  existing.HasContent(),
		"reuse_mint":     existing.HasMint(),
		"pending_tx":     existing.HasPendingMint(),
		"request_id":     requestcontext.RequestID(callerCtx),
		"caller":         requestcontext.Caller(callerCtx),
		"requested_at":   requestcontext.Now(callerCtx).UTC(),
		"contract":       s.settings.ContractAddress,
		"chain":          s.settings.Chain,
		"root_domain":    s.settings.RootDomain,
		"initial_status": statusOf(existing),
	}); err != nil {
		return nil, s.fail(ctx, r, models.StepMetadata, err)
	}

	for _, step := range []struct {
		name string
		fn   func(context.Context, *runState) error
	}{
		{models.StepMetadata, s.buildMetadata},
		{models.StepContent, s.uploadContent},
		{models.StepMint, s.mint},
		{models.StepDNS, s.configureDNS},
		{models.StepDatabase, s.persist},
	} {
		if err := s.runStep(ctx, r, step.name, step.fn); err != nil {
			return nil, s.fail(ctx, r, step.name, err)
		}
	}

	s.incRun("completed")
	s.publish(ctx, r, nil)
	s.logger.InfoContext(ctx, "domain provisioned",
		"order_id", order.ID,
		"fqdn", fqdn,
		"token_id", r.record.TokenID,
		"cid", r.record.ContentID,
	)
	r.steps.Results = models.ResultsFor(r.record)
	return &models.Result{Domain: fqdn, Steps: r.steps, Record: r.record}, nil
}

func (s *Orchestrator) runStep(ctx context.Context, r *runState, name string, fn func(context.Context, *runState) error) error {
	ctx, span := s.tracer.Start(ctx, "provision."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx, r)
	if s.metrics != nil {
		s.metrics.ObserveStep(name, start, err)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// loadEligibleOrder returns the order alongside the precondition error when the
// order exists but is not paid, so the caller can still name the domain.
func (s *Orchestrator) loadEligibleOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodePrecondition, "order "+orderID+" not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load order")
	}
	if !order.IsPaid() {
		s.logger.InfoContext(ctx, "order not eligible for provisioning",
			"order_id", orderID,
			"payment_status", order.PaymentStatus,
		)
		return order, dErrors.New(dErrors.CodePrecondition,
			"order "+orderID+" is not paid (status "+string(order.PaymentStatus)+")")
	}
	return order, nil
}

func (s *Orchestrator) acquire(ctx context.Context, fqdn string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, fqdn, s.settings.LockTTL)
	if err != nil {
		if errors.Is(err, sentinel.ErrLocked) {
			return nil, dErrors.New(dErrors.CodeConflict, "provisioning already in progress for "+fqdn)
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to acquire provisioning lock")
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			s.logger.WarnContext(ctx, "failed to release provisioning lock", "fqdn", fqdn, "error", err)
		}
	}, nil
}

func (s *Orchestrator) findRecord(ctx context.Context, fqdn string) (*models.DomainRecord, error) {
	rec, err := s.domains.FindByFQDN(ctx, fqdn)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load domain record")
	}
	return rec, nil
}

func (s *Orchestrator) alreadyProvisioned(ctx context.Context, order *models.Order, rec *models.DomainRecord) (*models.Result, error) {
	r := &runState{order: order, fqdn: rec.FQDN, record: rec, reused: true}
	if err := s.audit(ctx, r, models.AuditProvisionComplete, map[string]any{
		"already_provisioned": true,
		"token_id":            rec.TokenID,
		"cid":                 rec.ContentID,
	}); err != nil {
		s.logger.ErrorContext(ctx, "failed to audit idempotent provisioning call", "order_id", order.ID, "error", err)
	}
	s.incRun("already_provisioned")
	s.logger.InfoContext(ctx, "domain already provisioned", "order_id", order.ID, "fqdn", rec.FQDN)

	steps := allSteps()
	steps.Results = models.ResultsFor(rec)
	r.steps = steps
	s.publish(ctx, r, nil)
	return &models.Result{Domain: rec.FQDN, AlreadyProvisioned: true, Steps: steps, Record: rec}, nil
}

// workingRecord starts from the stored partial record, or a fresh pending one.
func (s *Orchestrator) workingRecord(order *models.Order, fqdn string, existing *models.DomainRecord) *models.DomainRecord {
	if existing != nil {
		rec := *existing
		return &rec
	}
	now := s.clock()
	return &models.DomainRecord{
		FQDN:      fqdn,
		Kind:      order.DeclaredKind(),
		UserID:    order.UserID,
		OrderID:   order.ID,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// checkpoint upserts the pending record so a crash after an irreversible step
// resumes instead of repeating it.
func (s *Orchestrator) checkpoint(ctx context.Context, rec *models.DomainRecord) error {
	rec.UpdatedAt = s.clock()
	if err := s.domains.Upsert(ctx, rec); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to checkpoint domain record")
	}
	return nil
}

func (s *Orchestrator) audit(ctx context.Context, r *runState, action models.AuditAction, meta map[string]any) error {
	entry := models.NewAuditEntry(r.order.ID, r.fqdn, action, meta, s.clock())
	if err := s.audits.Append(ctx, entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to append "+string(action)+" audit entry")
	}
	return nil
}

func (s *Orchestrator) incRun(outcome string) {
	if s.metrics != nil {
		s.metrics.IncRun(outcome)
	}
}

func (s *Orchestrator) externalCall(provider string, err error) {
	if s.metrics != nil {
		s.metrics.IncExternalCall(provider, err)
	}
}

func allSteps() models.Steps {
	return models.Steps{Metadata: true, Content: true, Mint: true, DNS: true, Database: true}
}

func statusOf(rec *models.DomainRecord) string {
	if rec == nil {
		return ""
	}
	return string(rec.Status)
}
