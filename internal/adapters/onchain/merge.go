package onchain

// merge.go — merge on-chain de pares YES+NO en colateral USDC.e.
//
//   100 YES + 100 NO → 100 USDC.e
//
// Mercados normales llaman a CTF.mergePositions; los neg-risk van por el
// NegRiskAdapter, que resuelve la colección padre por su cuenta.

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	polygonChainID = int64(137)

	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	ctfAddress   = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"

	normalExchange  = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchange = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
	negRiskAdapter  = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"

	mergeGasLimit    = uint64(200_000)
	approvalGasLimit = uint64(80_000)

	// DefaultPOLPriceUSD valora el gas cuando no se configura otro precio.
	DefaultPOLPriceUSD = 0.25

	gasPriceTTL     = 5 * time.Minute
	fallbackGasWei  = 30_000_000_000
	mergeReceiptTTL = 60 * time.Second
	approvalTTL     = 30 * time.Second
	receiptPoll     = 3 * time.Second
)

var (
	ctfABI     = mustABI(`[{"name":"mergePositions","type":"function","inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}],"outputs":[]}]`)
	adapterABI = mustABI(`[{"name":"mergePositions","type":"function","inputs":[{"name":"conditionId","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]}]`)
	erc1155ABI = mustABI(`[
		{"name":"setApprovalForAll","type":"function","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
		{"name":"isApprovedForAll","type":"function","inputs":[{"name":"account","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]}]`)
	erc20ABI = mustABI(`[
		{"name":"approve","type":"function","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"allowance","type":"function","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`)
)

func mustABI(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("onchain abi: " + err.Error())
	}
	return a
}

// MergeClient implementa ports.Merger contra Polygon.
type MergeClient struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	address  common.Address
	polPrice float64

	// un nonce por transacción: serializa los envíos
	sendMu sync.Mutex

	mu           sync.RWMutex
	cachedGasWei *big.Int
	gasUpdatedAt time.Time
}

// NewMergeClient conecta con el RPC dado. polPriceUSD <= 0 usa DefaultPOLPriceUSD.
func NewMergeClient(rpcURL, privateKeyHex string, polPriceUSD float64) (*MergeClient, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("onchain.NewMergeClient: invalid private key: %w", err)
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("onchain.NewMergeClient: dial rpc: %w", err)
	}
	if polPriceUSD <= 0 {
		polPriceUSD = DefaultPOLPriceUSD
	}
	return &MergeClient{
		client:   client,
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		polPrice: polPriceUSD,
	}, nil
}

// Close cierra la conexión RPC.
func (mc *MergeClient) Close() {
	mc.client.Close()
}

// MergePositions convierte amount shares de cada outcome en amount USDC.e.
func (mc *MergeClient) MergePositions(ctx context.Context, conditionID string, amount float64, negRisk bool) (domain.MergeResult, error) {
	result := domain.MergeResult{
		ConditionID: conditionID,
		Amount:      amount,
		ExecutedAt:  time.Now().UTC(),
	}

	callData, to, err := mergeCall(conditionID, amount, negRisk)
	if err != nil {
		result.Error = err.Error()
		return result, fmt.Errorf("onchain.MergePositions: %w", err)
	}

	receipt, hash, err := mc.send(ctx, to, callData, 0, mergeReceiptTTL)
	result.TxHash = hash
	switch {
	case err == nil:
	case hash != "" && errors.Is(err, context.DeadlineExceeded):
		// enviada pero sin recibo: el merge puede confirmarse más tarde
		slog.Warn("onchain: merge receipt not seen yet", "condition", conditionID, "tx", hash)
		result.Success = true
		result.USDCReceived = amount
		return result, nil
	default:
		result.Error = err.Error()
		return result, fmt.Errorf("onchain.MergePositions: %w", err)
	}

	gasPrice := receipt.EffectiveGasPrice
	if gasPrice == nil {
		gasPrice, _ = mc.gasPrice(ctx)
	}
	result.Success = true
	result.USDCReceived = amount
	result.GasCostUSD = weiToPOL(new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(receipt.GasUsed))) * mc.polPrice

	slog.Info("onchain: merge confirmed",
		"condition", conditionID,
		"amount", amount,
		"tx", hash,
		"gas_usd", fmt.Sprintf("$%.4f", result.GasCostUSD),
	)
	return result, nil
}

// mergeCall construye el calldata y el contrato destino del merge.
func mergeCall(conditionID string, amount float64, negRisk bool) ([]byte, common.Address, error) {
	cond, err := hexToBytes32(conditionID)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("invalid condition id: %w", err)
	}
	units := big.NewInt(int64(amount * 1_000_000))
	if units.Sign() <= 0 {
		return nil, common.Address{}, fmt.Errorf("invalid amount %v", amount)
	}

	if negRisk {
		data, err := adapterABI.Pack("mergePositions", cond, units)
		return data, common.HexToAddress(negRiskAdapter), err
	}
	data, err := ctfABI.Pack("mergePositions",
		common.HexToAddress(usdcEAddress),
		[32]byte{},
		cond,
		[]*big.Int{big.NewInt(1), big.NewInt(2)},
		units,
	)
	return data, common.HexToAddress(ctfAddress), err
}

// EnsureApprovals deja puestas las aprobaciones que necesita el trading live:
// ERC1155 setApprovalForAll para los exchanges y el adapter, y allowance de
// USDC.e para los dos exchanges.
func (mc *MergeClient) EnsureApprovals(ctx context.Context) error {
	ctf := common.HexToAddress(ctfAddress)
	for _, op := range []string{normalExchange, negRiskExchange, negRiskAdapter} {
		operator := common.HexToAddress(op)
		var approved bool
		if err := mc.call(ctx, ctf, erc1155ABI, "isApprovedForAll", &approved, mc.address, operator); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: check %s: %w", op, err)
		}
		if approved {
			continue
		}
		data, err := erc1155ABI.Pack("setApprovalForAll", operator, true)
		if err != nil {
			return err
		}
		slog.Info("onchain: setting ERC1155 approval", "operator", op)
		if _, _, err := mc.send(ctx, ctf, data, approvalGasLimit, approvalTTL); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: approve %s: %w", op, err)
		}
	}

	usdc := common.HexToAddress(usdcEAddress)
	maxUint256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	minAllowance := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1_000_000))
	for _, ex := range []string{normalExchange, negRiskExchange} {
		spender := common.HexToAddress(ex)
		allowance := new(big.Int)
		if err := mc.call(ctx, usdc, erc20ABI, "allowance", &allowance, mc.address, spender); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: allowance %s: %w", ex, err)
		}
		if allowance.Cmp(minAllowance) >= 0 {
			continue
		}
		data, err := erc20ABI.Pack("approve", spender, maxUint256)
		if err != nil {
			return err
		}
		slog.Info("onchain: setting USDC.e approval", "exchange", ex)
		if _, _, err := mc.send(ctx, usdc, data, approvalGasLimit, approvalTTL); err != nil {
			return fmt.Errorf("onchain.EnsureApprovals: approve usdc %s: %w", ex, err)
		}
	}
	return nil
}

// call hace un eth_call y desempaqueta el primer valor en out.
func (mc *MergeClient) call(ctx context.Context, to common.Address, contract abi.ABI, method string, out any, args ...any) error {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return err
	}
	res, err := mc.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return err
	}
	return contract.UnpackIntoInterface(out, method, res)
}

// send firma, envía y espera el recibo. gasLimit 0 estima el gas (+20%).
// Devuelve el hash aunque falle la espera del recibo.
func (mc *MergeClient) send(ctx context.Context, to common.Address, data []byte, gasLimit uint64, wait time.Duration) (*types.Receipt, string, error) {
	mc.sendMu.Lock()
	defer mc.sendMu.Unlock()

	nonce, err := mc.client.PendingNonceAt(ctx, mc.address)
	if err != nil {
		return nil, "", fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := mc.gasPrice(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("gas price: %w", err)
	}
	if gasLimit == 0 {
		est, err := mc.client.EstimateGas(ctx, ethereum.CallMsg{From: mc.address, To: &to, GasPrice: gasPrice, Data: data})
		if err != nil {
			slog.Warn("onchain: gas estimate failed, using default", "err", err, "limit", mergeGasLimit)
			est = mergeGasLimit
		}
		gasLimit = est * 12 / 10
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(polygonChainID)), mc.key)
	if err != nil {
		return nil, "", fmt.Errorf("sign tx: %w", err)
	}
	if err := mc.client.SendTransaction(ctx, signed); err != nil {
		return nil, "", fmt.Errorf("send tx: %w", err)
	}
	hash := signed.Hash().Hex()
	slog.Info("onchain: transaction sent", "to", to.Hex(), "tx", hash)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	receipt, err := mc.waitForReceipt(waitCtx, signed.Hash())
	if err != nil {
		return nil, hash, fmt.Errorf("wait receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, hash, fmt.Errorf("tx %s reverted", hash)
	}
	return receipt, hash, nil
}

// gasPrice devuelve el precio sugerido +10%, cacheado gasPriceTTL.
func (mc *MergeClient) gasPrice(ctx context.Context) (*big.Int, error) {
	mc.mu.RLock()
	cached, at := mc.cachedGasWei, mc.gasUpdatedAt
	mc.mu.RUnlock()
	if cached != nil && time.Since(at) < gasPriceTTL {
		return cached, nil
	}

	price, err := mc.client.SuggestGasPrice(ctx)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return big.NewInt(fallbackGasWei), nil
	}
	price = new(big.Int).Div(new(big.Int).Mul(price, big.NewInt(11)), big.NewInt(10))

	mc.mu.Lock()
	mc.cachedGasWei = price
	mc.gasUpdatedAt = time.Now()
	mc.mu.Unlock()
	return price, nil
}

func (mc *MergeClient) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := mc.client.TransactionReceipt(ctx, hash)
			if err != nil {
				continue // todavía no minada
			}
			return receipt, nil
		}
	}
}

func weiToPOL(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return f
}

// hexToBytes32 convierte un hex de 32 bytes (con o sin 0x).
func hexToBytes32(s string) ([32]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("expected 64 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var arr [32]byte
	copy(arr[:], b)
	return arr, nil
}
