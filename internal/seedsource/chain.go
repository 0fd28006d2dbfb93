package seedsource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// ErrBlockNotFound is returned when the node does not know the block.
var ErrBlockNotFound = errors.New("block not found")

// ChainOptions parameterise the block hash source.
type ChainOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// BlockHashSource treats public block hashes as committed seeds.
type BlockHashSource struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewBlockHashSource builds a source backed by an Ethereum JSON-RPC endpoint.
func NewBlockHashSource(opts ChainOptions, logger zerolog.Logger) *BlockHashSource {
	return &BlockHashSource{opts: opts, logger: logger.With().Str("component", "block_hash_source").Logger()}
}

// CommittedSeed resolves a decimal or 0x-prefixed block number.
func (s *BlockHashSource) CommittedSeed(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	var (
		number uint64
		err    error
	)
	if strings.HasPrefix(ref, "0x") {
		number, err = hexutil.DecodeUint64(ref)
	} else {
		number, err = strconv.ParseUint(ref, 10, 64)
	}
	if err != nil {
		return "", fmt.Errorf("parse block number %q: %w", ref, err)
	}
	return s.BlockHash(ctx, number)
}

type blockHeader struct {
	Hash   *common.Hash    `json:"hash"`
	Number *hexutil.Big    `json:"number"`
	Time   *hexutil.Uint64 `json:"timestamp"`
}

// BlockHash returns the hex hash of block number.
func (s *BlockHashSource) BlockHash(ctx context.Context, number uint64) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return "", err
	}

	var head *blockHeader
	if err := client.Client().CallContext(ctx, &head, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
		return "", fmt.Errorf("get block %d: %w", number, err)
	}
	if head == nil || head.Hash == nil {
		return "", fmt.Errorf("%w: %d", ErrBlockNotFound, number)
	}

	s.logger.Debug().Uint64("block", number).Str("hash", head.Hash.Hex()).Msg("block hash resolved")
	return head.Hash.Hex(), nil
}

// Latest returns the current head block number.
func (s *BlockHashSource) Latest(ctx context.Context) (uint64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	client, err := s.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// Close releases the RPC connection.
func (s *BlockHashSource) Close() {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *BlockHashSource) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *BlockHashSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	if s.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

var _ Source = (*BlockHashSource)(nil)
