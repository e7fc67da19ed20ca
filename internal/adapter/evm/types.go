package evm

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marko911/chainhub/internal/stream"
)

// normalizeAddress lower-cases hex addresses so checksummed and plain
// forms compare equal.
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func headFromHeader(h *types.Header) stream.Head {
	return stream.Head{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
	}
}

func logFromTypes(l *types.Log) stream.Log {
	topics := make([]string, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return stream.Log{
		Address:     normalizeAddress(l.Address.Hex()),
		Topics:      topics,
		Data:        l.Data,
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash.Hex(),
		TxHash:      l.TxHash.Hex(),
		TxIndex:     l.TxIndex,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}
}

// txFromTypes converts tx. A sender that cannot be recovered is left empty.
func txFromTypes(signer types.Signer, tx *types.Transaction) stream.Tx {
	out := stream.Tx{
		Hash:  tx.Hash().Hex(),
		Value: tx.Value().String(),
	}
	if from, err := types.Sender(signer, tx); err == nil {
		out.From = normalizeAddress(from.Hex())
	}
	if to := tx.To(); to != nil {
		out.To = normalizeAddress(to.Hex())
	}
	return out
}

func blockFromTypes(signer types.Signer, b *types.Block) *stream.Block {
	txs := make([]stream.Tx, len(b.Transactions()))
	for i, tx := range b.Transactions() {
		txs[i] = txFromTypes(signer, tx)
	}
	return &stream.Block{
		Number:       b.NumberU64(),
		Hash:         b.Hash().Hex(),
		ParentHash:   b.ParentHash().Hex(),
		Timestamp:    time.Unix(int64(b.Time()), 0).UTC(),
		Transactions: txs,
	}
}

func filterQuery(f stream.LogFilter) (addrs []common.Address, topics [][]common.Hash) {
	if f.Address != "" {
		addrs = []common.Address{common.HexToAddress(f.Address)}
	}
	for _, pos := range f.Topics {
		var hashes []common.Hash
		for _, t := range pos {
			hashes = append(hashes, common.HexToHash(t))
		}
		topics = append(topics, hashes)
	}
	return addrs, topics
}
