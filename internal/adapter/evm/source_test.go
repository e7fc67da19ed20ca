package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marko911/chainhub/internal/stream"
)

func TestSource_RequiresWebsocket(t *testing.T) {
	src := NewSource("ethereum", "https://rpc.example", nil)
	_, err := src.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "websocket")

	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		src.NormalizeAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
}

func TestConversions(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359")

	signer := types.LatestSignerForChainID(big.NewInt(1))
	tx, err := types.SignNewTx(key, signer, &types.DynamicFeeTx{
		ChainID: big.NewInt(1), Nonce: 1, GasTipCap: big.NewInt(1), GasFeeCap: big.NewInt(2),
		Gas: 21000, To: &to, Value: big.NewInt(1234),
	})
	require.NoError(t, err)

	got := txFromTypes(signer, tx)
	assert.Equal(t, tx.Hash().Hex(), got.Hash)
	assert.Equal(t, normalizeAddress(from.Hex()), got.From)
	assert.Equal(t, normalizeAddress(to.Hex()), got.To)
	assert.Equal(t, "1234", got.Value)

	header := &types.Header{Number: big.NewInt(99), ParentHash: common.Hash{9}, Time: 1700000000, Difficulty: big.NewInt(0)}
	block := types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: []*types.Transaction{tx}})
	b := blockFromTypes(signer, block)
	assert.Equal(t, uint64(99), b.Number)
	assert.Equal(t, block.Hash().Hex(), b.Hash)
	assert.Equal(t, int64(1700000000), b.Timestamp.Unix())
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, got, b.Transactions[0])

	head := headFromHeader(header)
	assert.Equal(t, header.Hash().Hex(), head.Hash)
	assert.Equal(t, common.Hash{9}.Hex(), head.ParentHash)

	l := logFromTypes(&types.Log{
		Address: to, Topics: []common.Hash{{1}}, Data: []byte{0xff},
		BlockNumber: 99, Index: 3, TxIndex: 2, Removed: true,
	})
	assert.Equal(t, normalizeAddress(to.Hex()), l.Address)
	assert.Equal(t, []string{common.Hash{1}.Hex()}, l.Topics)
	assert.Equal(t, uint(3), l.LogIndex)
	assert.True(t, l.Removed)

	addrs, topics := filterQuery(stream.LogFilter{Address: to.Hex(), Topics: [][]string{{}, {common.Hash{1}.Hex()}}})
	assert.Equal(t, []common.Address{to}, addrs)
	require.Len(t, topics, 2)
	assert.Empty(t, topics[0])
	assert.Equal(t, []common.Hash{{1}}, topics[1])
}
