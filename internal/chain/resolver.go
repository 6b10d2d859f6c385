// Package chain resolves transaction status on EVM networks.
//
// A settlement claim arrives as a transaction hash; the resolver asks the
// network's RPC node for the transaction and its receipt and condenses the
// answer into one of four states. RPC trouble degrades to NotFound so a
// flaky node can never complete or fail a payment.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// TxStatus is the condensed on-chain state of a transaction.
type TxStatus string

const (
	StatusPending   TxStatus = "pending"
	StatusConfirmed TxStatus = "confirmed"
	StatusFailed    TxStatus = "failed"
	StatusNotFound  TxStatus = "not_found"
)

// Supported network identifiers.
const (
	NetworkEthereum   = "ethereum"
	NetworkPolygon    = "polygon"
	NetworkBSC        = "bsc"
	NetworkBSCTestnet = "bsc-testnet"
)

// ErrUnknownNetwork means the network name maps to no configured RPC URL.
var ErrUnknownNetwork = errors.New("unknown network")

// Client is the slice of ethclient the resolver needs.
type Client interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Config maps networks to RPC endpoints. Empty URLs disable the network.
type Config struct {
	EthereumRPC   string
	PolygonRPC    string
	BSCRPC        string
	BSCTestnetRPC string
	Timeout       time.Duration
}

// Resolver looks up transactions across configured networks. RPC clients
// are dialed lazily and cached per network.
type Resolver struct {
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
	dial    func(ctx context.Context, rawurl string) (Client, error)
}

// New creates a resolver over the configured networks.
func New(cfg Config, logger *slog.Logger) *Resolver {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger,
		clients: make(map[string]Client),
		dial: func(ctx context.Context, rawurl string) (Client, error) {
			return ethclient.DialContext(ctx, rawurl)
		},
	}
}

// NewWithClients creates a resolver over pre-built clients, keyed by
// canonical network name. Used in tests.
func NewWithClients(clients map[string]Client, logger *slog.Logger) *Resolver {
	return &Resolver{
		timeout: 10 * time.Second,
		logger:  logger,
		clients: clients,
		dial: func(ctx context.Context, rawurl string) (Client, error) {
			return nil, fmt.Errorf("no RPC configured")
		},
	}
}

// Normalize maps a user-supplied network name, including common aliases,
// to its canonical identifier.
func Normalize(network string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case NetworkEthereum, "eth", "":
		return NetworkEthereum, true
	case NetworkPolygon, "matic":
		return NetworkPolygon, true
	case NetworkBSC, "binance":
		return NetworkBSC, true
	case NetworkBSCTestnet, "binance-testnet", "bsc_testnet":
		return NetworkBSCTestnet, true
	default:
		return "", false
	}
}

// Resolve returns the condensed status of txHash on the given network.
// A missing transaction, an RPC error, or a timeout all come back as
// NotFound; only a mined receipt can produce Confirmed or Failed.
func (r *Resolver) Resolve(ctx context.Context, network, txHash string) (TxStatus, error) {
	canonical, ok := Normalize(network)
	if !ok {
		return StatusNotFound, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	client, err := r.clientFor(ctx, canonical)
	if err != nil {
		return StatusNotFound, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	_, isPending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusNotFound, nil
		}
		r.logger.Warn("transaction lookup failed",
			"network", canonical, "txHash", txHash, "error", err)
		return StatusNotFound, nil
	}
	if isPending {
		return StatusPending, nil
	}

	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return StatusPending, nil
		}
		r.logger.Warn("receipt lookup failed",
			"network", canonical, "txHash", txHash, "error", err)
		return StatusPending, nil
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		return StatusConfirmed, nil
	}
	return StatusFailed, nil
}

func (r *Resolver) clientFor(ctx context.Context, network string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[network]; ok {
		return c, nil
	}

	url := r.rpcURL(network)
	if url == "" {
		return nil, fmt.Errorf("%w: no RPC URL for %s", ErrUnknownNetwork, network)
	}
	c, err := r.dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s RPC: %w", network, err)
	}
	r.clients[network] = c
	return c, nil
}

func (r *Resolver) rpcURL(network string) string {
	switch network {
	case NetworkEthereum:
		return r.cfg.EthereumRPC
	case NetworkPolygon:
		return r.cfg.PolygonRPC
	case NetworkBSC:
		return r.cfg.BSCRPC
	case NetworkBSCTestnet:
		return r.cfg.BSCTestnetRPC
	default:
		return ""
	}
}
