package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"provisioner/internal/provisioning/contentstore"
	"provisioner/internal/provisioning/dns"
	"provisioner/internal/provisioning/events"
	"provisioner/internal/provisioning/ledger"
	"provisioner/internal/provisioning/lock"
	"provisioner/internal/provisioning/metrics"
	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/providers"
	"provisioner/internal/provisioning/service/mocks"
	"provisioner/internal/provisioning/store"
	dErrors "provisioner/pkg/domainerrors"
)

const (
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testWallet   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testCID      = "bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy"
	testFQDN     = "maria.example.id"
)

// =============================================================================
// Orchestrator Test Suite
// =============================================================================
// Justification for unit tests: the orchestrator owns the resumption rule, the
// step order and failure capture. External clients are mocked so each test can
// assert exactly which calls a run makes; stores are the in-memory
// implementations so persisted state carries over between runs.

type OrchestratorSuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	content   *mocks.MockContentStore
	ledger    *mocks.MockLedger
	registrar *mocks.MockRegistrar
	publisher *mocks.MockPublisher
	mem       *store.Memory
	locker    *lock.MemoryLocker
	metrics   *metrics.Metrics
	txRunner  *switchableTx
	service   *Orchestrator
	now       time.Time

	mu        sync.Mutex
	published []events.OutcomeEvent
}

func TestOrchestratorSuite(t *testing.T) {
	suite.Run(t, new(OrchestratorSuite))
}

func (s *OrchestratorSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.content = mocks.NewMockContentStore(s.ctrl)
	s.ledger = mocks.NewMockLedger(s.ctrl)
	s.registrar = mocks.NewMockRegistrar(s.ctrl)
	s.publisher = mocks.NewMockPublisher(s.ctrl)
	s.mem = store.NewMemory()
	s.locker = lock.NewMemory()
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.txRunner = &switchableTx{mem: s.mem}
	s.now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	s.published = nil

	s.publisher.EXPECT().Publish(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e events.OutcomeEvent) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.published = append(s.published, e)
			return nil
		}).AnyTimes()

	svc, err := New(s.mem, s.mem, s.mem,
		Clients{Content: s.content, Ledger: s.ledger, Registrar: s.registrar},
		Settings{
			ContractAddress: testContract,
			Chain:           "polygon",
			PublicHost:      "app.example.id",
			RootDomain:      "example.id",
		},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(s.metrics),
		WithWalletResolver(store.NewCachedWalletResolver(s.mem, time.Minute)),
		WithLocker(s.locker),
		WithTransactor(s.txRunner),
		WithPublisher(s.publisher),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
	s.service = svc

	s.seedOrder("ord_1", "maria", models.PaymentStatusPaid)
	s.Require().NoError(s.mem.SaveCustomer(context.Background(), &models.Customer{
		UserID:        "user_maria",
		WalletAddress: testWallet,
	}))
}

func (s *OrchestratorSuite) TearDownTest() {
	s.ctrl.Finish()
}

// switchableTx delegates to the memory store unless err is set.
type switchableTx struct {
	mem *store.Memory
	err error
}

func (t *switchableTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if t.err != nil {
		return t.err
	}
	return t.mem.RunInTx(ctx, fn)
}

func (s *OrchestratorSuite) seedOrder(id, name string, status models.PaymentStatus) {
	s.Require().NoError(s.mem.SaveOrder(context.Background(), &models.Order{
		ID:            id,
		DomainName:    name,
		PaymentStatus: status,
		UserID:        "user_maria",
		PriceUSD:      decimal.RequireFromString("49.99"),
		PriceToken:    decimal.RequireFromString("12.5"),
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}))
}

func (s *OrchestratorSuite) seedRecord(rec models.DomainRecord) {
	if rec.FQDN == "" {
		rec.FQDN = testFQDN
	}
	if rec.OrderID == "" {
		rec.OrderID = "ord_1"
	}
	rec.UserID = "user_maria"
	rec.Kind = models.KindPersonal
	rec.Status = models.StatusPending
	s.Require().NoError(s.mem.Upsert(context.Background(), &rec))
}

func (s *OrchestratorSuite) expectUpload() {
	s.content.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, doc *models.MetadataDocument) (*contentstore.UploadResult, error) {
			s.Equal(testFQDN, doc.Name)
			s.Equal("ord_1", doc.OrderID)
			return &contentstore.UploadResult{
				ContentID:  testCID,
				ContentURI: "ipfs://" + testCID,
				GatewayURL: "https://gateway.pinata.cloud/ipfs/" + testCID,
			}, nil
		})
}

func mintResult(tokenID string) *ledger.MintResult {
	return &ledger.MintResult{
		TokenID:         tokenID,
		TxHash:          "0x9f1c0e4a",
		BlockNumber:     5123,
		ContractAddress: testContract,
		Chain:           "polygon",
	}
}

func recordPair() *dns.RecordPair {
	return &dns.RecordPair{
		Alias:      dns.Record{ID: "rec-cname", Type: dns.TypeAlias, Name: testFQDN, Content: "app.example.id"},
		Descriptor: dns.Record{ID: "rec-txt", Type: dns.TypeDescriptor, Name: testFQDN, Content: dns.Descriptor(testContract, "42", "polygon")},
	}
}

func (s *OrchestratorSuite) auditActions(orderID string) []models.AuditAction {
	entries, err := s.mem.ListByOrder(context.Background(), orderID)
	s.Require().NoError(err)
	out := make([]models.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func (s *OrchestratorSuite) storedRecord() *models.DomainRecord {
	rec, err := s.mem.FindByFQDN(context.Background(), testFQDN)
	s.Require().NoError(err)
	return rec
}

func (s *OrchestratorSuite) requireStepError(err error) *StepError {
	s.Require().Error(err)
	var se *StepError
	s.Require().True(errors.As(err, &se), "expected *StepError, got %T: %v", err, err)
	return se
}

// =============================================================================
// Constructor Tests (Invariant Enforcement)
// =============================================================================

func (s *OrchestratorSuite) TestNew() {
	clients := Clients{Content: s.content, Ledger: s.ledger, Registrar: s.registrar}
	settings := Settings{ContractAddress: testContract, PublicHost: "app.example.id"}

	s.Run("nil order store returns error", func() {
		_, err := New(nil, s.mem, s.mem, clients, settings)
		s.ErrorContains(err, "order store is required")
	})

	s.Run("nil domain store returns error", func() {
		_, err := New(s.mem, nil, s.mem, clients, settings)
		s.ErrorContains(err, "domain store is required")
	})

	s.Run("missing client returns error", func() {
		_, err := New(s.mem, s.mem, s.mem, Clients{Content: s.content}, settings)
		s.ErrorContains(err, "clients are required")
	})

	s.Run("missing contract address returns error", func() {
		_, err := New(s.mem, s.mem, s.mem, clients, Settings{PublicHost: "app.example.id"})
		s.ErrorContains(err, "contract address")
	})

	s.Run("defaults timeouts", func() {
		svc, err := New(s.mem, s.mem, s.mem, clients, settings)
		s.Require().NoError(err)
		s.Equal(5*time.Minute, svc.settings.PipelineTimeout)
		s.Equal(10*time.Minute, svc.settings.LockTTL)
	})

	s.Run("raises lock ttl to the pipeline timeout", func() {
		short := settings
		short.PipelineTimeout = 15 * time.Minute
		short.LockTTL = time.Minute
		svc, err := New(s.mem, s.mem, s.mem, clients, short,
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		s.Require().NoError(err)
		s.Equal(15*time.Minute, svc.settings.LockTTL)
	})
}

// =============================================================================
// Happy Path and Idempotence
// =============================================================================
// Justification: a paid order must produce content, a token, DNS records and
// an active record, and a second call must make no external calls at all.

func (s *OrchestratorSuite) TestProvisionEndToEnd() {
	ctx := context.Background()
	s.expectUpload()
	s.ledger.EXPECT().Mint(gomock.Any(), testContract, testWallet, "ipfs://"+testCID).Return(mintResult("42"), nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), testFQDN, "app.example.id", testContract, "42", "polygon").Return(recordPair(), nil)

	res, err := s.service.Provision(ctx, "ord_1")
	s.Require().NoError(err)

	s.Equal(testFQDN, res.Domain)
	s.False(res.AlreadyProvisioned)
	s.Equal([]string{"metadata", "content", "mint", "dns", "database"}, res.Steps.Completed())
	s.Require().NotNil(res.Steps.Results)
	s.Equal("42", res.Steps.Results.TokenID)
	s.Equal(testCID, res.Steps.Results.ContentID)
	s.Equal("rec-cname", res.Steps.Results.AliasRecordID)

	rec := s.storedRecord()
	s.Equal(models.StatusActive, rec.Status)
	s.Equal("42", rec.TokenID)
	s.Equal(testContract, rec.ContractAddress)
	s.Equal(testCID, rec.ContentID)
	s.Equal(models.KindPersonal, rec.Kind)
	s.Equal("0x9f1c0e4a", rec.Metadata.Chain.TxHash)
	s.Equal("rec-txt", rec.Metadata.DNS.DescriptorRecordID)
	s.True(rec.IsFullyProvisioned())

	s.Equal([]models.AuditAction{
		models.AuditProvisionStart,
		models.AuditContentUpload,
		models.AuditMint,
		models.AuditDNSConfigure,
		models.AuditProvisionComplete,
	}, s.auditActions("ord_1"))

	s.Require().Len(s.published, 1)
	s.Equal(events.OutcomeCompleted, s.published[0].Outcome)
	s.Equal("42", s.published[0].TokenID)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Runs.WithLabelValues("completed")))

	s.Run("second call is a no-op", func() {
		again, err := s.service.Provision(ctx, "ord_1")
		s.Require().NoError(err)
		s.True(again.AlreadyProvisioned)
		s.Equal(testFQDN, again.Domain)
		s.Equal("42", again.Steps.Results.TokenID)
		s.True(again.Steps.Database)

		actions := s.auditActions("ord_1")
		s.Equal(models.AuditProvisionComplete, actions[len(actions)-1])
		s.Len(actions, 6)
		s.Equal(1.0, promtest.ToFloat64(s.metrics.Runs.WithLabelValues("already_provisioned")))
		s.True(s.published[len(s.published)-1].AlreadyProvisioned)
	})
}

func (s *OrchestratorSuite) TestProvisionWithoutWalletMintsToZeroAddress() {
	s.Require().NoError(s.mem.SaveOrder(context.Background(), &models.Order{
		ID:            "ord_2",
		DomainName:    "4242",
		PaymentStatus: models.PaymentStatusPaid,
		UserID:        "user_nowallet",
		CreatedAt:     s.now,
	}))
	s.content.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(&contentstore.UploadResult{ContentID: testCID, ContentURI: "ipfs://" + testCID}, nil)
	s.ledger.EXPECT().Mint(gomock.Any(), testContract, models.ZeroAddress, gomock.Any()).Return(mintResult("7"), nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), "4242.example.id", gomock.Any(), gomock.Any(), "7", gomock.Any()).Return(recordPair(), nil)

	res, err := s.service.Provision(context.Background(), "ord_2")
	s.Require().NoError(err)
	s.Equal(models.KindNumeric, res.Record.Kind)
}

// =============================================================================
// Resumption
// =============================================================================
// Justification: stored artifacts must be reused so a retry never pins twice
// and never mints twice.

func (s *OrchestratorSuite) TestProvisionResumesFromStoredContent() {
	s.seedRecord(models.DomainRecord{
		ContentID: testCID,
		Metadata:  models.RecordMetadata{Content: models.ContentInfo{URI: "ipfs://" + testCID}},
	})
	s.ledger.EXPECT().Mint(gomock.Any(), testContract, testWallet, "ipfs://"+testCID).Return(mintResult("42"), nil).Times(1)
	s.registrar.EXPECT().Upsert(gomock.Any(), testFQDN, gomock.Any(), gomock.Any(), "42", gomock.Any()).Return(recordPair(), nil).Times(1)

	res, err := s.service.Provision(context.Background(), "ord_1")
	s.Require().NoError(err)
	s.True(res.Steps.Content)
	s.Equal(models.StatusActive, s.storedRecord().Status)
	s.NotContains(s.auditActions("ord_1"), models.AuditContentUpload)
}

func (s *OrchestratorSuite) TestResumeAfterMintCheckpointOnlyConfiguresDNS() {
	// Every artifact is stored but the run stopped before DNS and activation.
	s.seedRecord(models.DomainRecord{
		ContentID:       testCID,
		TokenID:         "42",
		ContractAddress: testContract,
		Metadata: models.RecordMetadata{
			Content: models.ContentInfo{URI: "ipfs://" + testCID},
			Chain:   models.ChainInfo{Chain: "polygon", TxHash: "0x9f1c0e4a", BlockNumber: 5123},
		},
	})
	s.content.EXPECT().Upload(gomock.Any(), gomock.Any()).Times(0)
	s.ledger.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	s.ledger.EXPECT().AwaitMint(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	s.registrar.EXPECT().Upsert(gomock.Any(), testFQDN, "app.example.id", testContract, "42", "polygon").Return(recordPair(), nil).Times(1)

	res, err := s.service.Provision(context.Background(), "ord_1")
	s.Require().NoError(err)
	s.False(res.AlreadyProvisioned)
	s.Equal([]string{"metadata", "content", "mint", "dns", "database"}, res.Steps.Completed())

	rec := s.storedRecord()
	s.Equal(models.StatusActive, rec.Status)
	s.Equal("rec-cname", rec.Metadata.DNS.AliasRecordID)
	s.Equal([]models.AuditAction{
		models.AuditProvisionStart,
		models.AuditDNSConfigure,
		models.AuditProvisionComplete,
	}, s.auditActions("ord_1"))
	s.Equal(1.0, promtest.ToFloat64(s.metrics.Runs.WithLabelValues("completed")))
	s.Zero(promtest.ToFloat64(s.metrics.Runs.WithLabelValues("already_provisioned")))
}

func (s *OrchestratorSuite) TestContractWithoutTokenIsMintedAgain() {
	s.seedRecord(models.DomainRecord{
		ContentID:       testCID,
		TokenID:         "",
		ContractAddress: testContract,
	})
	s.ledger.EXPECT().Mint(gomock.Any(), testContract, testWallet, "ipfs://"+testCID).Return(mintResult("42"), nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(recordPair(), nil)

	_, err := s.service.Provision(context.Background(), "ord_1")
	s.Require().NoError(err)
}

func (s *OrchestratorSuite) TestProvisionAwaitsPendingMint() {
	s.seedRecord(models.DomainRecord{
		ContentID:       testCID,
		ContractAddress: testContract,
		Metadata:        models.RecordMetadata{Chain: models.ChainInfo{TxHash: "0xfeed", Chain: "polygon"}},
	})
	res := mintResult("42")
	res.TxHash = "0xfeed"
	s.ledger.EXPECT().AwaitMint(gomock.Any(), testContract, "0xfeed").Return(res, nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), "42", gomock.Any()).Return(recordPair(), nil)

	out, err := s.service.Provision(context.Background(), "ord_1")
	s.Require().NoError(err)
	s.Equal("42", out.Record.TokenID)
	s.Equal("0xfeed", s.storedRecord().Metadata.Chain.TxHash)
}

func (s *OrchestratorSuite) TestMintTimeoutCheckpointsTransaction() {
	ctx := context.Background()
	s.expectUpload()
	timeout := providers.NewProviderError(providers.KindMintFailed, providers.ErrorTimeout, "polygon",
		"receipt not observed", context.DeadlineExceeded).WithReference("0xdead")
	s.ledger.EXPECT().Mint(gomock.Any(), testContract, testWallet, gomock.Any()).Return(nil, timeout)

	_, err := s.service.Provision(ctx, "ord_1")
	se := s.requireStepError(err)
	s.Equal(models.StepMint, se.Step)
	s.Equal(string(providers.KindMintFailed), se.Kind())
	s.True(se.Retryable())

	rec := s.storedRecord()
	s.Equal(models.StatusPending, rec.Status)
	s.Equal("0xdead", rec.Metadata.Chain.TxHash)
	s.True(rec.HasPendingMint())

	s.Run("retry waits for the broadcast transaction", func() {
		res := mintResult("43")
		res.TxHash = "0xdead"
		s.ledger.EXPECT().AwaitMint(gomock.Any(), testContract, "0xdead").Return(res, nil)
		s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), "43", gomock.Any()).Return(recordPair(), nil)

		out, err := s.service.Provision(ctx, "ord_1")
		s.Require().NoError(err)
		s.Equal("43", out.Record.TokenID)
	})
}

func (s *OrchestratorSuite) TestRevertedPendingMintIsForgotten() {
	s.seedRecord(models.DomainRecord{
		ContentID:       testCID,
		ContractAddress: testContract,
		Metadata:        models.RecordMetadata{Chain: models.ChainInfo{TxHash: "0xbad"}},
	})
	reverted := providers.NewProviderError(providers.KindMintFailed, providers.ErrorRejected, "polygon",
		"transaction reverted", nil).WithReference("0xbad")
	s.ledger.EXPECT().AwaitMint(gomock.Any(), testContract, "0xbad").Return(nil, reverted)

	_, err := s.service.Provision(context.Background(), "ord_1")
	se := s.requireStepError(err)
	s.False(se.Retryable())
	s.Empty(s.storedRecord().Metadata.Chain.TxHash)
}

// =============================================================================
// Preconditions and Conflicts
// =============================================================================

func (s *OrchestratorSuite) TestProvisionPreconditions() {
	s.Run("blank order id", func() {
		_, err := s.service.Provision(context.Background(), "  ")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
		s.Equal(KindInvalidOrder, ErrorKind(err))
	})

	s.Run("unknown order", func() {
		_, err := s.service.Provision(context.Background(), "ord_missing")
		s.True(dErrors.HasCode(err, dErrors.CodePrecondition))
		s.Equal(KindOrderNotEligible, ErrorKind(err))
		s.False(IsRetryable(err))
		s.Empty(DomainOf(err))
	})

	s.Run("unpaid order makes no external calls", func() {
		s.seedOrder("ord_pending", "pedro", models.PaymentStatusPending)
		_, err := s.service.Provision(context.Background(), "ord_pending")
		s.True(dErrors.HasCode(err, dErrors.CodePrecondition))
		s.Contains(err.Error(), "not paid")
		s.Equal("pedro.example.id", DomainOf(err))
		s.Empty(s.auditActions("ord_pending"))
		_, findErr := s.mem.FindByFQDN(context.Background(), "pedro.example.id")
		s.Error(findErr)
	})

	s.Equal(2.0, promtest.ToFloat64(s.metrics.Runs.WithLabelValues("rejected")))
}

func (s *OrchestratorSuite) TestProvisionLockHeld() {
	release, err := s.locker.Acquire(context.Background(), testFQDN, time.Minute)
	s.Require().NoError(err)
	defer func() { _ = release(context.Background()) }()

	_, err = s.service.Provision(context.Background(), "ord_1")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Equal(KindInProgress, ErrorKind(err))
	s.True(IsRetryable(err))
	s.Equal(testFQDN, DomainOf(err))
}

func (s *OrchestratorSuite) TestProvisionNameTakenByAnotherOrder() {
	s.seedRecord(models.DomainRecord{OrderID: "ord_other", ContentID: testCID, TokenID: "9", ContractAddress: testContract})

	_, err := s.service.Provision(context.Background(), "ord_1")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Equal(KindNameTaken, ErrorKind(err))
	s.False(IsRetryable(err))
	s.Equal(testFQDN, DomainOf(err))
}

// =============================================================================
// Failure Capture
// =============================================================================
// Justification: a failed run must report the failing step, what succeeded
// before it, and leave a PROVISION_FAILED audit entry.

func (s *OrchestratorSuite) TestDNSFailureReportsPartialProgress() {
	s.expectUpload()
	s.ledger.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(mintResult("42"), nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil,
		providers.NewProviderError(providers.KindDNSConfigurationFailed, providers.ErrorRateLimited, "cloudflare",
			"10000 rate limited", nil).WithStatus(429))

	_, err := s.service.Provision(context.Background(), "ord_1")
	se := s.requireStepError(err)

	s.Equal(models.StepDNS, se.Step)
	s.Equal(testFQDN, se.Domain)
	s.True(se.Steps.Metadata)
	s.True(se.Steps.Content)
	s.True(se.Steps.Mint)
	s.False(se.Steps.DNS)
	s.False(se.Steps.Database)
	s.Equal(string(providers.KindDNSConfigurationFailed), ErrorKind(err))
	s.True(IsRetryable(err))

	actions := s.auditActions("ord_1")
	s.Equal(models.AuditProvisionFailed, actions[len(actions)-1])

	rec := s.storedRecord()
	s.Equal(models.StatusPending, rec.Status)
	s.Equal("42", rec.TokenID)

	s.Require().NotEmpty(s.published)
	last := s.published[len(s.published)-1]
	s.Equal(events.OutcomeFailed, last.Outcome)
	s.Equal(models.StepDNS, last.FailedStep)
	s.Equal([]string{"metadata", "content", "mint"}, last.Completed)

	s.Run("retry only configures DNS", func() {
		s.registrar.EXPECT().Upsert(gomock.Any(), testFQDN, gomock.Any(), testContract, "42", "polygon").Return(recordPair(), nil)
		res, err := s.service.Provision(context.Background(), "ord_1")
		s.Require().NoError(err)
		s.False(res.AlreadyProvisioned)
		s.Equal(models.StatusActive, res.Record.Status)
		s.Equal(models.StatusActive, s.storedRecord().Status)
	})
}

func (s *OrchestratorSuite) TestContentStoreFailure() {
	s.content.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(nil,
		providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorAuthentication, "pinata",
			"invalid api key", nil).WithStatus(401))

	_, err := s.service.Provision(context.Background(), "ord_1")
	se := s.requireStepError(err)
	s.Equal(models.StepContent, se.Step)
	s.Equal([]string{"metadata"}, se.Steps.Completed())
	s.Equal(string(providers.KindContentStoreUnavailable), se.Kind())
	s.False(se.Retryable())

	_, findErr := s.mem.FindByFQDN(context.Background(), testFQDN)
	s.Error(findErr, "no record is written before an artifact exists")
}

func (s *OrchestratorSuite) TestUncertainTokenID() {
	s.expectUpload()
	res := mintResult(models.UnknownTokenID)
	res.TokenIDUncertain = true
	s.ledger.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(res, nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), "0", gomock.Any()).Return(recordPair(), nil)

	out, err := s.service.Provision(context.Background(), "ord_1")
	s.Require().NoError(err)
	s.Equal("0", out.Steps.Results.TokenID)
	s.True(out.Steps.Results.TokenIDUncertain)
	s.True(s.storedRecord().Metadata.Chain.TokenIDUncertain)
	s.Equal(1.0, promtest.ToFloat64(s.metrics.TokenIDUncertain))
}

func (s *OrchestratorSuite) TestPersistenceFailureKeepsArtifacts() {
	s.txRunner.err = errors.New("connection reset by peer")
	s.expectUpload()
	s.ledger.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(mintResult("42"), nil)
	s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(recordPair(), nil).Times(2)

	_, err := s.service.Provision(context.Background(), "ord_1")
	se := s.requireStepError(err)
	s.Equal(models.StepDatabase, se.Step)
	s.Equal(KindPersistenceFailed, se.Kind())
	s.True(se.Retryable())
	s.True(se.Steps.DNS)

	rec := s.storedRecord()
	s.Equal(models.StatusPending, rec.Status)
	s.Equal("42", rec.TokenID)

	s.txRunner.err = nil
	res, err := s.service.Provision(context.Background(), "ord_1")
	s.Require().NoError(err)
	s.False(res.AlreadyProvisioned)
	s.Equal(models.StatusActive, res.Record.Status)
	s.Equal(models.StatusActive, s.storedRecord().Status)
}

func (s *OrchestratorSuite) TestCallerCancelledBeforeMint() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.content.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(
		func(uploadCtx context.Context, _ *models.MetadataDocument) (*contentstore.UploadResult, error) {
			cancel()
			s.NoError(uploadCtx.Err(), "pipeline context is detached from the caller")
			return &contentstore.UploadResult{ContentID: testCID, ContentURI: "ipfs://" + testCID}, nil
		})

	_, err := s.service.Provision(ctx, "ord_1")
	se := s.requireStepError(err)
	s.Equal(models.StepMint, se.Step)
	s.Equal(KindCancelled, se.Kind())
	s.True(se.Retryable())
	s.Equal(testCID, s.storedRecord().ContentID)
}

func (s *OrchestratorSuite) TestInvalidOrderFailsMetadataStep() {
	s.Require().NoError(s.mem.SaveOrder(context.Background(), &models.Order{
		ID:            "ord_nouser",
		DomainName:    "ghost",
		PaymentStatus: models.PaymentStatusPaid,
	}))

	_, err := s.service.Provision(context.Background(), "ord_nouser")
	se := s.requireStepError(err)
	s.Equal(models.StepMetadata, se.Step)
	s.Equal(KindInvalidOrder, se.Kind())
	s.False(se.Retryable())
}

// =============================================================================
// Concurrency
// =============================================================================

func (s *OrchestratorSuite) TestConcurrentCallsShareOneRun() {
	s.expectUpload()
	s.ledger.EXPECT().Mint(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(mintResult("42"), nil).Times(1)
	s.registrar.EXPECT().Upsert(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(recordPair(), nil).Times(1)

	var wg sync.WaitGroup
	results := make([]*models.Result, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.service.Provision(context.Background(), "ord_1")
		}(i)
	}
	wg.Wait()

	for i := range results {
		s.Require().NoError(errs[i])
		s.Equal(testFQDN, results[i].Domain)
		s.Equal("42", results[i].Steps.Results.TokenID)
	}
}

// =============================================================================
// Queries
// =============================================================================

func (s *OrchestratorSuite) TestVerifyOwnership() {
	ctx := context.Background()

	s.Run("unknown domain", func() {
		_, err := s.service.VerifyOwnership(ctx, "nobody")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("record without token", func() {
		s.seedRecord(models.DomainRecord{FQDN: "halfway.example.id", ContentID: testCID})
		_, err := s.service.VerifyOwnership(ctx, "halfway.example.id")
		s.True(dErrors.HasCode(err, dErrors.CodePrecondition))
	})

	s.Run("owned token", func() {
		s.seedRecord(models.DomainRecord{ContentID: testCID, TokenID: "42", ContractAddress: testContract})
		s.ledger.EXPECT().VerifyOwnership(gomock.Any(), testContract, "42", testWallet).Return(true, nil)

		report, err := s.service.VerifyOwnership(ctx, "maria")
		s.Require().NoError(err)
		s.True(report.Checked)
		s.True(report.Owned)
		s.Equal(testFQDN, report.Domain)
		s.Equal(testWallet, report.ExpectedOwner)
	})

	s.Run("uncertain token skips the chain", func() {
		s.seedRecord(models.DomainRecord{
			FQDN:            "vague.example.id",
			ContentID:       testCID,
			TokenID:         models.UnknownTokenID,
			ContractAddress: testContract,
			Metadata:        models.RecordMetadata{Chain: models.ChainInfo{TokenIDUncertain: true}},
		})
		report, err := s.service.VerifyOwnership(ctx, "vague.example.id")
		s.Require().NoError(err)
		s.False(report.Checked)
		s.True(report.TokenIDUncertain)
	})

	s.Run("ledger failure propagates", func() {
		s.ledger.EXPECT().VerifyOwnership(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(false,
			providers.NewProviderError(providers.KindMintFailed, providers.ErrorProviderOutage, "polygon", "rpc unreachable", nil))
		_, err := s.service.VerifyOwnership(ctx, testFQDN)
		s.True(providers.IsRetryable(err))
	})
}

func (s *OrchestratorSuite) TestListAudits() {
	s.Run("blank order id", func() {
		_, err := s.service.ListAudits(context.Background(), "")
		s.True(dErrors.HasCode(err, dErrors.CodeBadRequest))
	})

	s.Run("returns entries oldest first", func() {
		s.content.EXPECT().Upload(gomock.Any(), gomock.Any()).Return(nil,
			providers.NewProviderError(providers.KindContentStoreUnavailable, providers.ErrorProviderOutage, "pinata", "bad gateway", nil))
		_, _ = s.service.Provision(context.Background(), "ord_1")

		entries, err := s.service.ListAudits(context.Background(), "ord_1")
		s.Require().NoError(err)
		s.Require().Len(entries, 2)
		s.Equal(models.AuditProvisionStart, entries[0].Action)
		s.Equal(models.AuditProvisionFailed, entries[1].Action)
		s.Equal("content", entries[1].Metadata["failed_step"])
	})
}
