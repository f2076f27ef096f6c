// Package chain talks to the on-chain contracts the bot depends on: the price oracle, the
// swap router, pairs, ERC-20 tokens and Multicall3.
package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ABI definitions, trimmed to the functions we call.

// PairABIJSON covers Uniswap V2 style pairs.
const PairABIJSON = `[
	{
		"inputs": [],
		"name": "getReserves",
		"outputs": [
			{"internalType": "uint112", "name": "_reserve0", "type": "uint112"},
			{"internalType": "uint112", "name": "_reserve1", "type": "uint112"},
			{"internalType": "uint32", "name": "_blockTimestampLast", "type": "uint32"}
		],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "token0",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "token1",
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

const ERC20ABIJSON = `[
	{
		"inputs": [],
		"name": "decimals",
		"outputs": [{"internalType": "uint8", "name": "", "type": "uint8"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [],
		"name": "symbol",
		"outputs": [{"internalType": "string", "name": "", "type": "string"}],
		"stateMutability": "view",
		"type": "function"
	}
]`

// AggregatorABIJSON covers Chainlink price feeds.
const AggregatorABIJSON = `[
	{
		"inputs": [],
		"name": "latestRoundData",
		"outputs": [
			{"internalType": "uint80", "name": "roundId", "type": "uint80"},
			{"internalType": "int256", "name": "answer", "type": "int256"},
			{"internalType": "uint256", "name": "startedAt", "type": "uint256"},
			{"internalType": "uint256", "name": "updatedAt", "type": "uint256"},
			{"internalType": "uint80", "name": "answeredInRound", "type": "uint80"}
		],
		"stateMutability": "view",
		"type": "function"
	}
]`

// RouterABIJSON covers the Uniswap V2 style router swap entry point.
const RouterABIJSON = `[
	{
		"inputs": [
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint256", "name": "amountOutMin", "type": "uint256"},
			{"internalType": "address[]", "name": "path", "type": "address[]"},
			{"internalType": "address", "name": "to", "type": "address"},
			{"internalType": "uint256", "name": "deadline", "type": "uint256"}
		],
		"name": "swapExactTokensForTokens",
		"outputs": [{"internalType": "uint256[]", "name": "amounts", "type": "uint256[]"}],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// Multicall3ABIJSON covers aggregate3, which batches calls and reports each one's success.
const Multicall3ABIJSON = `[
	{
		"inputs": [
			{
				"components": [
					{"internalType": "address", "name": "target", "type": "address"},
					{"internalType": "bool", "name": "allowFailure", "type": "bool"},
					{"internalType": "bytes", "name": "callData", "type": "bytes"}
				],
				"internalType": "struct Multicall3.Call3[]",
				"name": "calls",
				"type": "tuple[]"
			}
		],
		"name": "aggregate3",
		"outputs": [
			{
				"components": [
					{"internalType": "bool", "name": "success", "type": "bool"},
					{"internalType": "bytes", "name": "returnData", "type": "bytes"}
				],
				"internalType": "struct Multicall3.Result[]",
				"name": "returnData",
				"type": "tuple[]"
			}
		],
		"stateMutability": "payable",
		"type": "function"
	}
]`

const (
	swapMethod      = "swapExactTokensForTokens"
	aggregateMethod = "aggregate3"
)

var (
	PairABI       abi.ABI
	ERC20ABI      abi.ABI
	AggregatorABI abi.ABI
	RouterABI     abi.ABI
	Multicall3ABI abi.ABI
)

func init() {
	var err error

	PairABI, err = abi.JSON(strings.NewReader(PairABIJSON))
	if err != nil {
		panic("failed to parse pair ABI: " + err.Error())
	}

	ERC20ABI, err = abi.JSON(strings.NewReader(ERC20ABIJSON))
	if err != nil {
		panic("failed to parse ERC20 ABI: " + err.Error())
	}

	AggregatorABI, err = abi.JSON(strings.NewReader(AggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}

	RouterABI, err = abi.JSON(strings.NewReader(RouterABIJSON))
	if err != nil {
		panic("failed to parse router ABI: " + err.Error())
	}

	Multicall3ABI, err = abi.JSON(strings.NewReader(Multicall3ABIJSON))
	if err != nil {
		panic("failed to parse Multicall3 ABI: " + err.Error())
	}
}
