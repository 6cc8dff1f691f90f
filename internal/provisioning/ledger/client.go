// Package ledger mints domain tokens on an EVM chain and reads ownership back.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"provisioner/internal/platform/config"
	"provisioner/internal/provisioning/models"
	"provisioner/internal/provisioning/providers"
)

const providerName = "evm"

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Backend is the subset of a chain connection the client needs. *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
}

// MintResult describes a confirmed mint.
type MintResult struct {
	TokenID          string
	TokenIDUncertain bool
	TxHash           string
	BlockNumber      uint64
	ContractAddress  string
	Chain            string
}

// Client signs mint transactions with a server-held key. It never resubmits a
// transaction.
type Client struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	chain          string
	rpcTimeout     time.Duration
	confirmTimeout time.Duration
	abi            abi.ABI
	logger         *slog.Logger

	chainIDMu sync.Mutex
	chainID   *big.Int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg config.Ledger, opts ...Option) (*Client, error) {
	backend, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return New(backend, cfg, opts...)
}

// New builds a client over an existing backend.
func New(backend Backend, cfg config.Ledger, opts ...Option) (*Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SigningKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse minter key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	c := &Client{
		backend:        backend,
		key:            key,
		chain:          cfg.ChainName,
		rpcTimeout:     cfg.RPCTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		abi:            parsed,
		logger:         slog.Default(),
	}
	if c.rpcTimeout <= 0 {
		c.rpcTimeout = 10 * time.Second
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = 2 * time.Minute
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MinterAddress is the account that signs mint transactions.
func (c *Client) MinterAddress() string {
	return crypto.PubkeyToAddress(c.key.PublicKey).Hex()
}

// Mint submits mint(owner, tokenURI) and blocks until one confirmation. If the
// transaction was broadcast but not confirmed in time, the returned error
// carries the tx hash as its Reference so the caller can resume with
// AwaitMint instead of minting again.
func (c *Client) Mint(ctx context.Context, contractAddress, ownerAddress, tokenURI string) (*MintResult, error) {
	contract, err := parseAddress(contractAddress, "contract address")
	if err != nil {
		return nil, err
	}
	owner, err := parseAddress(ownerAddress, "owner address")
	if err != nil {
		return nil, err
	}

	tx, err := c.submit(ctx, contract, owner, tokenURI)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "mint submitted",
		"tx_hash", tx.Hash().Hex(),
		"contract", contract.Hex(),
		"owner", owner.Hex(),
	)
	return c.await(ctx, contract, tx.Hash())
}

// AwaitMint waits for an already broadcast mint transaction.
func (c *Client) AwaitMint(ctx context.Context, contractAddress, txHash string) (*MintResult, error) {
	contract, err := parseAddress(contractAddress, "contract address")
	if err != nil {
		return nil, err
	}
	if len(strings.TrimPrefix(txHash, "0x")) != 2*common.HashLength {
		return nil, mintError(providers.ErrorBadData, "invalid transaction hash "+txHash, nil)
	}
	return c.await(ctx, contract, common.HexToHash(txHash))
}

func (c *Client) submit(ctx context.Context, contract, owner common.Address, tokenURI string) (*types.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return nil, mintError(providers.CategoryForTransport(err), "read chain id", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, chainID)
	if err != nil {
		return nil, mintError(providers.ErrorInternal, "build transactor", err)
	}
	opts.Context = ctx

	bound := bind.NewBoundContract(contract, c.abi, c.backend, c.backend, c.backend)
	tx, err := bound.Transact(opts, "mint", owner, tokenURI)
	if err != nil {
		return nil, mintError(classifyRPC(err), "submit mint transaction", err)
	}
	return tx, nil
}

func (c *Client) await(ctx context.Context, contract common.Address, hash common.Hash) (*MintResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	receipt, err := c.waitReceipt(ctx, hash)
	if err != nil {
		return nil, mintError(classifyRPC(err), "wait for mint confirmation", err).WithReference(hash.Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, mintError(providers.ErrorRejected, "mint transaction reverted", nil).WithReference(hash.Hex())
	}

	result := &MintResult{
		TxHash:          hash.Hex(),
		ContractAddress: contract.Hex(),
		Chain:           c.chain,
	}
	if receipt.BlockNumber != nil {
		result.BlockNumber = receipt.BlockNumber.Uint64()
	}
	tokenID, ok := TokenIDFromReceipt(receipt, contract)
	if !ok {
		c.logger.WarnContext(ctx, "mint confirmed without a decodable transfer event",
			"tx_hash", hash.Hex(),
			"contract", contract.Hex(),
		)
		result.TokenID = models.UnknownTokenID
		result.TokenIDUncertain = true
		return result, nil
	}
	result.TokenID = tokenID
	return result, nil
}

// waitReceipt polls like bind.WaitMined but by hash, so pending transactions
// recorded by an earlier run can be awaited too.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.DebugContext(ctx, "receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// VerifyOwnership reports whether expectedOwner currently owns tokenID.
func (c *Client) VerifyOwnership(ctx context.Context, contractAddress, tokenID, expectedOwner string) (bool, error) {
	contract, err := parseAddress(contractAddress, "contract address")
	if err != nil {
		return false, err
	}
	expected, err := parseAddress(expectedOwner, "owner address")
	if err != nil {
		return false, err
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return false, mintError(providers.ErrorBadData, "invalid token id "+tokenID, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()

	var out []any
	bound := bind.NewBoundContract(contract, c.abi, c.backend, c.backend, c.backend)
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", id); err != nil {
		return false, mintError(classifyRPC(err), "call ownerOf", err)
	}
	if len(out) != 1 {
		return false, mintError(providers.ErrorBadData, "unexpected ownerOf output", nil)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return false, mintError(providers.ErrorBadData, "ownerOf did not return an address", nil)
	}
	return owner == expected, nil
}

// TokenIDFromReceipt finds the Transfer event emitted by contract and returns
// its token id in base 10.
func TokenIDFromReceipt(receipt *types.Receipt, contract common.Address) (string, bool) {
	if receipt == nil {
		return "", false
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != contract {
			continue
		}
		if len(lg.Topics) != 4 || lg.Topics[0] != transferTopic {
			continue
		}
		return lg.Topics[3].Big().String(), true
	}
	return "", false
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	c.chainIDMu.Lock()
	defer c.chainIDMu.Unlock()
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c.chainID = id
	return id, nil
}

func parseAddress(s, what string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, mintError(providers.ErrorBadData, fmt.Sprintf("invalid %s %q", what, s), nil)
	}
	return common.HexToAddress(s), nil
}

func mintError(category providers.ErrorCategory, message string, err error) *providers.ProviderError {
	return providers.NewProviderError(providers.KindMintFailed, category, providerName, message, err)
}

// classifyRPC separates node refusals from transport failures.
func classifyRPC(err error) providers.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return providers.ErrorTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "intrinsic gas too low"):
		return providers.ErrorRejected
	case strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return providers.ErrorRateLimited
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "unauthorized"):
		return providers.ErrorAuthentication
	}
	return providers.CategoryForTransport(err)
}
