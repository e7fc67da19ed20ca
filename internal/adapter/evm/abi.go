package evm

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"}
]`

// Subset of the Safe (Gnosis Safe) v1.3+ wallet interface.
const safeABIJSON = `[
  {"inputs":[],"name":"getThreshold","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"getOwners","outputs":[{"name":"","type":"address[]"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"nonce","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"},
    {"name":"safeTxGas","type":"uint256"},
    {"name":"baseGas","type":"uint256"},
    {"name":"gasPrice","type":"uint256"},
    {"name":"gasToken","type":"address"},
    {"name":"refundReceiver","type":"address"},
    {"name":"_nonce","type":"uint256"}
  ],"name":"getTransactionHash","outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
  {"inputs":[
    {"name":"to","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"data","type":"bytes"},
    {"name":"operation","type":"uint8"},
    {"name":"safeTxGas","type":"uint256"},
    {"name":"baseGas","type":"uint256"},
    {"name":"gasPrice","type":"uint256"},
    {"name":"gasToken","type":"address"},
    {"name":"refundReceiver","type":"address"},
    {"name":"signatures","type":"bytes"}
  ],"name":"execTransaction","outputs":[{"name":"success","type":"bool"}],"stateMutability":"payable","type":"function"}
]`

var (
	erc20ABI = mustParseABI(erc20ABIJSON)
	safeABI  = mustParseABI(safeABIJSON)

	addressArrayType = mustType("address[]")
	uint256Type      = mustType("uint256")
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}
