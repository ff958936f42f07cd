package fetcher

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rehoboam/internal/logging"
)

const erc4626ConvertABI = `[{"inputs":[{"internalType":"uint256","name":"shares","type":"uint256"}],"name":"convertToAssets","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var vaultABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc4626ConvertABI))
	if err != nil {
		panic("failed to parse ERC-4626 ABI: " + err.Error())
	}
	vaultABI = parsed
}

// VaultOptions parameterise the on-chain vault reader.
type VaultOptions struct {
	RPCURL       string
	VaultAddress string
	Timeout      time.Duration
}

// Vault reads an ERC-4626 share price over Ethereum RPC.
type Vault struct {
	opts      VaultOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewVault builds a vault rate reader. The RPC connection is dialled lazily.
func NewVault(opts VaultOptions, logger zerolog.Logger) *Vault {
	return &Vault{opts: opts, logger: logging.Component(logger, "vault_fetcher")}
}

// FetchRate returns assets per share for one whole share.
func (v *Vault) FetchRate(ctx context.Context) (decimal.Decimal, uint64, error) {
	if v.opts.RPCURL == "" {
		return decimal.Decimal{}, 0, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(v.opts.VaultAddress) {
		return decimal.Decimal{}, 0, errors.New("vault contract address not configured")
	}

	timeout := v.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := v.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	addr := common.HexToAddress(v.opts.VaultAddress)
	oneShare := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	payload, err := vaultABI.Pack("convertToAssets", oneShare)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	blockNumber, err := client.BlockNumber(ctx)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	outputs, err := vaultABI.Unpack("convertToAssets", res)
	if err != nil {
		return decimal.Decimal{}, 0, err
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, 0, errors.New("unexpected convertToAssets response")
	}
	assets, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, 0, errors.New("failed to decode convertToAssets output")
	}

	v.logger.Debug().Uint64("block", blockNumber).Str("assets", assets.String()).Msg("vault rate read")
	return decimal.NewFromBigInt(assets, -18), blockNumber, nil
}

func (v *Vault) getClient(ctx context.Context) (*ethclient.Client, error) {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()

	if v.client != nil {
		return v.client, nil
	}
	client, err := ethclient.DialContext(ctx, v.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	v.client = client
	return client, nil
}

// Close releases the RPC connection if one was opened.
func (v *Vault) Close() {
	v.clientMux.Lock()
	defer v.clientMux.Unlock()
	if v.client != nil {
		v.client.Close()
		v.client = nil
	}
}

var _ VaultRateFetcher = (*Vault)(nil)
