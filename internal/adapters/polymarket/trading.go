package polymarket

// trading.go — ejecución real contra el CLOB de Polymarket.
//
// TradingClient implementa ports.Exchange usando AuthClient (L1/L2). Todas las
// órdenes son límite GTC; los fills llegan después por el canal de usuario.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alejandrodnm/polymaker/internal/domain"
)

const (
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	orderPath         = "/order"
	openOrdersPath    = "/data/orders"
	cancelMarketPath  = "/cancel-market-orders"
	balancePath       = "/balance-allowance"
	positionsPath     = "/positions"
	lastCursor        = "LTE="
	positionsPageSize = 500
)

var balanceOfABI abi.ABI

func init() {
	var err error
	balanceOfABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf abi: " + err.Error())
	}
}

type clobBalanceResponse struct {
	Balance string `json:"balance"`
}

// TradingClient implementa ports.Exchange.
type TradingClient struct {
	auth *AuthClient
	rpc  *ethclient.Client // nil: el saldo se consulta al CLOB
}

// NewTradingClient crea un TradingClient. rpcURL es opcional; si se da, el
// saldo USDC.e se lee on-chain del funder.
func NewTradingClient(auth *AuthClient, rpcURL string) (*TradingClient, error) {
	tc := &TradingClient{auth: auth}
	if rpcURL == "" {
		return tc, nil
	}
	rpc, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("trading: dial rpc: %w", err)
	}
	tc.rpc = rpc
	return tc, nil
}

// Close libera la conexión RPC.
func (tc *TradingClient) Close() {
	if tc.rpc != nil {
		tc.rpc.Close()
	}
}

// PlaceOrder firma y envía una orden límite GTC.
func (tc *TradingClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	creds, err := tc.auth.Creds(ctx)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("trading.PlaceOrder: creds: %w", err)
	}

	signed, err := tc.auth.buildSignedOrder(req.Asset, req.Side, req.Price, req.Size, req.NegRisk)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("trading.PlaceOrder: sign: %w", err)
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.Asset,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(req.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     creds.APIKey,
		OrderType: "GTC",
	}

	var resp clobOrderResponse
	if err := tc.auth.doL2(ctx, http.MethodPost, orderPath, body, &resp); err != nil {
		return domain.OrderResult{}, fmt.Errorf("trading.PlaceOrder: %w", err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return domain.OrderResult{}, fmt.Errorf("trading.PlaceOrder: %w", classify(http.StatusBadRequest, []byte(resp.ErrorMsg)))
	}

	return domain.OrderResult{
		OrderID: resp.OrderID,
		Status:  mapPlaceStatus(resp.Status),
	}, nil
}

// CancelOrder cancela una orden por id.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("trading.CancelOrder: creds: %w", err)
	}
	var resp cancelResponse
	if err := tc.auth.doL2(ctx, http.MethodDelete, orderPath, map[string]string{"orderID": orderID}, &resp); err != nil {
		return fmt.Errorf("trading.CancelOrder %s: %w", orderID, err)
	}
	if reason, ok := resp.NotCanceled[orderID]; ok {
		return fmt.Errorf("trading.CancelOrder %s: %w: %s", orderID, domain.ErrOrderNotFound, reason)
	}
	return nil
}

// CancelAsset cancela todas las órdenes abiertas de un token.
func (tc *TradingClient) CancelAsset(ctx context.Context, asset string) error {
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("trading.CancelAsset: creds: %w", err)
	}
	if err := tc.auth.doL2(ctx, http.MethodDelete, cancelMarketPath, cancelMarketRequest{AssetID: asset}, nil); err != nil {
		return fmt.Errorf("trading.CancelAsset %s: %w", asset, err)
	}
	return nil
}

// OpenOrders devuelve las órdenes en reposo, paginando con next_cursor.
func (tc *TradingClient) OpenOrders(ctx context.Context) ([]domain.OpenOrder, error) {
	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return nil, fmt.Errorf("trading.OpenOrders: creds: %w", err)
	}

	var out []domain.OpenOrder
	cursor := ""
	for {
		path := openOrdersPath
		if cursor != "" {
			path += "?next_cursor=" + url.QueryEscape(cursor)
		}
		var resp clobOrdersResponse
		if err := tc.auth.doL2(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, fmt.Errorf("trading.OpenOrders: %w", err)
		}
		for _, o := range resp.Data {
			if oo, ok := mapOpenOrder(o); ok {
				out = append(out, oo)
			}
		}
		if resp.NextCursor == "" || resp.NextCursor == lastCursor || resp.NextCursor == cursor {
			break
		}
		cursor = resp.NextCursor
	}
	return out, nil
}

// Positions lee las posiciones del funder en la data-api.
func (tc *TradingClient) Positions(ctx context.Context) (map[string]domain.Position, error) {
	q := url.Values{}
	q.Set("user", tc.auth.Funder())
	q.Set("sizeThreshold", "0")
	q.Set("limit", fmt.Sprint(positionsPageSize))

	var raw []dataPosition
	if err := tc.auth.get(ctx, tc.auth.dataLimiter, tc.auth.dataBase+positionsPath+"?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("trading.Positions: %w", err)
	}
	return mapPositions(raw), nil
}

// Balance devuelve el saldo USDC del funder: on-chain si hay RPC, si no el
// que reporta el CLOB.
func (tc *TradingClient) Balance(ctx context.Context) (float64, error) {
	if tc.rpc != nil {
		bal, err := tc.onchainBalance(ctx)
		if err == nil {
			return bal, nil
		}
		if ctx.Err() != nil {
			return 0, err
		}
	}

	if err := tc.auth.EnsureCreds(ctx); err != nil {
		return 0, fmt.Errorf("trading.Balance: creds: %w", err)
	}
	path := fmt.Sprintf("%s?asset_type=COLLATERAL&signature_type=%d", balancePath, int(tc.auth.sigType))
	var resp clobBalanceResponse
	if err := tc.auth.doL2(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("trading.Balance: %w", err)
	}
	return parseUSDC(resp.Balance), nil
}

func (tc *TradingClient) onchainBalance(ctx context.Context) (float64, error) {
	callData, err := balanceOfABI.Pack("balanceOf", tc.auth.funder)
	if err != nil {
		return 0, fmt.Errorf("trading.Balance: pack: %w", err)
	}

	token := common.HexToAddress(usdcEAddress)
	result, err := tc.rpc.CallContract(ctx, ethereum.CallMsg{To: &token, Data: callData}, nil)
	if err != nil {
		return 0, fmt.Errorf("trading.Balance: rpc call: %w", err)
	}

	vals, err := balanceOfABI.Unpack("balanceOf", result)
	if err != nil {
		return 0, fmt.Errorf("trading.Balance: unpack: %w", err)
	}
	if len(vals) == 0 {
		return 0, errors.New("trading.Balance: empty result")
	}
	raw, ok := vals[0].(*big.Int)
	if !ok {
		return 0, errors.New("trading.Balance: unexpected result type")
	}
	bal, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), big.NewFloat(1e6)).Float64()
	return bal, nil
}
