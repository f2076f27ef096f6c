package ingestion

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SyncEventTopic is the keccak256 hash of Sync(uint112,uint112), emitted by Uniswap V2 style
// pairs whenever their reserves change.
var SyncEventTopic = crypto.Keccak256Hash([]byte("Sync(uint112,uint112)"))

// SyncEvent represents a decoded Sync event.
type SyncEvent struct {
	PoolAddress string
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
	LogIndex    uint
	TxHash      string
	Timestamp   time.Time
}

// Key identifies the log that produced the event.
func (e *SyncEvent) Key() string {
	return fmt.Sprintf("%s:%d", strings.ToLower(e.TxHash), e.LogIndex)
}

// LogEntry represents a raw log entry from the WebSocket.
type LogEntry struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	BlockHash        string   `json:"blockHash"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// Decoder handles event decoding.
type Decoder struct {
	syncABI abi.Arguments
}

// NewDecoder creates a new event decoder.
func NewDecoder() *Decoder {
	// Both reserves are in the data field (not indexed)
	uint112Type, _ := abi.NewType("uint112", "", nil)
	return &Decoder{
		syncABI: abi.Arguments{
			{Type: uint112Type, Name: "reserve0"},
			{Type: uint112Type, Name: "reserve1"},
		},
	}
}

// DecodeSyncEvent decodes a Sync event from a log entry.
func (d *Decoder) DecodeSyncEvent(log *LogEntry) (*SyncEvent, error) {
	if len(log.Topics) < 1 {
		return nil, fmt.Errorf("no topics in log")
	}

	topic := common.HexToHash(log.Topics[0])
	if topic != SyncEventTopic {
		return nil, fmt.Errorf("not a Sync event: %s", log.Topics[0])
	}

	data := common.FromHex(log.Data)
	if len(data) < 64 {
		return nil, fmt.Errorf("data too short: %d bytes", len(data))
	}

	values, err := d.syncABI.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpacking sync data: %w", err)
	}

	reserve0, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid reserve0 type")
	}

	reserve1, ok := values[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid reserve1 type")
	}

	blockNum, err := hexToUint64(log.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("parsing block number: %w", err)
	}

	logIdx, err := hexToUint(log.LogIndex)
	if err != nil {
		return nil, fmt.Errorf("parsing log index: %w", err)
	}

	return &SyncEvent{
		PoolAddress: strings.ToLower(log.Address),
		Reserve0:    reserve0,
		Reserve1:    reserve1,
		BlockNumber: blockNum,
		LogIndex:    logIdx,
		TxHash:      log.TransactionHash,
		Timestamp:   time.Now(),
	}, nil
}

// IsSyncEvent checks if a log entry is a Sync event.
func IsSyncEvent(log *LogEntry) bool {
	if len(log.Topics) < 1 {
		return false
	}
	return common.HexToHash(log.Topics[0]) == SyncEventTopic
}

func hexToUint64(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	var val uint64
	_, err := fmt.Sscanf(s, "%x", &val)
	return val, err
}

func hexToUint(s string) (uint, error) {
	s = strings.TrimPrefix(s, "0x")
	var val uint
	_, err := fmt.Sscanf(s, "%x", &val)
	return val, err
}
