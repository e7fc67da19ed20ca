package bitcoin

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/marko911/chainhub/internal/adapter"
	"github.com/marko911/chainhub/internal/platform/rpcclient"
)

// Esplora REST response shapes.
type addressStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
}

type addressInfo struct {
	Address      string       `json:"address"`
	ChainStats   addressStats `json:"chain_stats"`
	MempoolStats addressStats `json:"mempool_stats"`
}

func (a addressInfo) balance() int64 {
	return a.ChainStats.FundedTxoSum - a.ChainStats.SpentTxoSum +
		a.MempoolStats.FundedTxoSum - a.MempoolStats.SpentTxoSum
}

type utxo struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

type esplora struct {
	rpc *rpcclient.Client
}

func (e *esplora) address(ctx context.Context, addr string) (*addressInfo, error) {
	var info addressInfo
	if err := e.rpc.GetJSON(ctx, "esplora_address", "/address/"+addr, &info); err != nil {
		return nil, adapter.WrapRPC("get address", err)
	}
	return &info, nil
}

// utxos returns spendable outputs, largest first.
func (e *esplora) utxos(ctx context.Context, addr string) ([]utxo, error) {
	var out []utxo
	if err := e.rpc.GetJSON(ctx, "esplora_utxo", "/address/"+addr+"/utxo", &out); err != nil {
		return nil, adapter.WrapRPC("list utxos", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out, nil
}

// feeRate returns sat/vB for the first estimate at or above target blocks.
func (e *esplora) feeRate(ctx context.Context, target int) (float64, error) {
	var estimates map[string]float64
	if err := e.rpc.GetJSON(ctx, "esplora_fee_estimates", "/fee-estimates", &estimates); err != nil {
		return 0, adapter.WrapRPC("fee estimates", err)
	}

	best, bestRate := -1, 0.0
	for k, rate := range estimates {
		blocks, err := strconv.Atoi(k)
		if err != nil || blocks < target {
			continue
		}
		if best == -1 || blocks < best {
			best, bestRate = blocks, rate
		}
	}
	if best == -1 || bestRate < minFeeRate {
		return minFeeRate, nil
	}
	return bestRate, nil
}

func (e *esplora) broadcast(ctx context.Context, rawHex string) (string, error) {
	body, err := e.rpc.PostRaw(ctx, "esplora_broadcast", "/tx", "text/plain", []byte(rawHex))
	if err != nil {
		return "", adapter.WrapRPC("broadcast", err)
	}
	txid := strings.TrimSpace(string(body))
	if len(txid) != 64 {
		return "", fmt.Errorf("broadcast: unexpected response %q", txid)
	}
	return txid, nil
}
