// Package registry holds the watched pools and their tokens, optionally verified against the
// chain and cached between runs.
package registry

import (
	"context"
	"fmt"
	"strings"

	"arbwatcher/internal/chain"
	"arbwatcher/internal/config"
	"arbwatcher/internal/persistence"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// Token is an ERC-20 token with its decimals.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Pool is a watched constant-product pool.
type Pool struct {
	Name    string
	Address common.Address
	Token0  Token
	Token1  Token
	Fee     float64
}

// MetadataSource reads pair token order and token metadata from the chain.
type MetadataSource interface {
	PairTokens(ctx context.Context, pairs []common.Address) (map[common.Address]chain.PairTokens, error)
	TokenMetadata(ctx context.Context, tokens []common.Address) (map[common.Address]chain.TokenMetadata, error)
}

// Cache stores verified metadata between runs.
type Cache interface {
	GetToken(ctx context.Context, address string) (*persistence.TokenRecord, error)
	GetPool(ctx context.Context, address string) (*persistence.PoolRecord, error)
	BulkUpsertTokens(ctx context.Context, tokens []persistence.TokenRecord) error
	BulkUpsertPools(ctx context.Context, pools []persistence.PoolRecord) error
}

// Registry is the set of watched pools. It is immutable once Resolve returns.
type Registry struct {
	tokens map[common.Address]Token
	pools  []Pool
}

// New builds a registry from configuration. Pools reference tokens by symbol.
func New(cfg *config.Config) (*Registry, error) {
	bySymbol := make(map[string]Token, len(cfg.Tokens))
	tokens := make(map[common.Address]Token, len(cfg.Tokens))
	for _, tc := range cfg.Tokens {
		t := Token{Symbol: tc.Symbol, Address: common.HexToAddress(tc.Address), Decimals: tc.Decimals}
		bySymbol[tc.Symbol] = t
		tokens[t.Address] = t
	}

	pools := make([]Pool, 0, len(cfg.Pools))
	seen := make(map[common.Address]bool, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		t0, ok0 := bySymbol[pc.Token0]
		t1, ok1 := bySymbol[pc.Token1]
		if !ok0 || !ok1 {
			return nil, fmt.Errorf("pool %s references unknown token", pc.Name)
		}
		addr := common.HexToAddress(pc.Address)
		if seen[addr] {
			return nil, fmt.Errorf("pool %s listed twice", pc.Address)
		}
		seen[addr] = true

		pools = append(pools, Pool{
			Name:    pc.Name,
			Address: addr,
			Token0:  t0,
			Token1:  t1,
			Fee:     cfg.PoolFee(pc),
		})
	}

	return &Registry{tokens: tokens, pools: pools}, nil
}

// Pools returns the watched pools.
func (r *Registry) Pools() []Pool {
	return r.pools
}

// Pool looks up a pool by address.
func (r *Registry) Pool(address common.Address) (Pool, bool) {
	for _, p := range r.pools {
		if p.Address == address {
			return p, true
		}
	}
	return Pool{}, false
}

// TokenBySymbol looks up a token by symbol.
func (r *Registry) TokenBySymbol(symbol string) (Token, bool) {
	for _, t := range r.tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return Token{}, false
}

// Addresses returns the lowercase hex addresses of the watched pools.
func (r *Registry) Addresses() []string {
	out := make([]string, len(r.pools))
	for i, p := range r.pools {
		out[i] = strings.ToLower(p.Address.Hex())
	}
	return out
}

// Resolve checks every pool's token order and every token's decimals against the chain,
// preferring cached results. Chain values override configuration and each correction is
// logged. cache may be nil. On error the registry is left exactly as configured.
func (r *Registry) Resolve(ctx context.Context, source MetadataSource, cache Cache) error {
	next := &Registry{
		tokens: make(map[common.Address]Token, len(r.tokens)),
		pools:  append([]Pool(nil), r.pools...),
	}
	for addr, t := range r.tokens {
		next.tokens[addr] = t
	}

	assignments, err := next.resolvePools(ctx, source, cache)
	if err != nil {
		return err
	}

	for i := range next.pools {
		p := &next.pools[i]
		got, ok := assignments[p.Address]
		if !ok {
			continue
		}
		if got.Token0 == p.Token0.Address && got.Token1 == p.Token1.Address {
			continue
		}
		log.Warn().
			Str("pool", p.Name).
			Str("configured_token0", p.Token0.Address.Hex()).
			Str("configured_token1", p.Token1.Address.Hex()).
			Str("onchain_token0", got.Token0.Hex()).
			Str("onchain_token1", got.Token1.Hex()).
			Msg("Pool token order differs from configuration, using on-chain order")
		p.Token0 = next.tokenOrPlaceholder(got.Token0)
		p.Token1 = next.tokenOrPlaceholder(got.Token1)
	}

	if err := next.resolveTokens(ctx, source, cache); err != nil {
		return err
	}

	for i := range next.pools {
		p := &next.pools[i]
		p.Token0 = next.tokens[p.Token0.Address]
		p.Token1 = next.tokens[p.Token1.Address]
	}

	r.tokens, r.pools = next.tokens, next.pools
	log.Info().Int("pools", len(r.pools)).Int("tokens", len(r.tokens)).Msg("Registry resolved")
	return nil
}

func (r *Registry) tokenOrPlaceholder(addr common.Address) Token {
	if t, ok := r.tokens[addr]; ok {
		return t
	}
	t := Token{Symbol: addr.Hex(), Address: addr, Decimals: -1}
	r.tokens[addr] = t
	return t
}

func (r *Registry) resolvePools(ctx context.Context, source MetadataSource, cache Cache) (map[common.Address]chain.PairTokens, error) {
	assignments := make(map[common.Address]chain.PairTokens, len(r.pools))
	var pending []common.Address

	for _, p := range r.pools {
		if cache != nil {
			rec, err := cache.GetPool(ctx, p.Address.Hex())
			if err != nil {
				return nil, fmt.Errorf("reading cached pool %s: %w", p.Name, err)
			}
			if rec != nil {
				assignments[p.Address] = chain.PairTokens{
					Token0: common.HexToAddress(rec.Token0),
					Token1: common.HexToAddress(rec.Token1),
				}
				continue
			}
		}
		pending = append(pending, p.Address)
	}

	if len(pending) == 0 {
		return assignments, nil
	}

	fetched, err := source.PairTokens(ctx, pending)
	if err != nil {
		return nil, fmt.Errorf("fetching pool tokens: %w", err)
	}

	records := make([]persistence.PoolRecord, 0, len(fetched))
	for _, addr := range pending {
		pt, ok := fetched[addr]
		if !ok {
			return nil, fmt.Errorf("fetching pool tokens: no answer for %s", addr.Hex())
		}
		assignments[addr] = pt
		records = append(records, persistence.PoolRecord{Address: addr.Hex(), Token0: pt.Token0.Hex(), Token1: pt.Token1.Hex()})
	}

	if cache != nil {
		if err := cache.BulkUpsertPools(ctx, records); err != nil {
			log.Warn().Err(err).Msg("Failed to cache pool metadata")
		}
	}

	return assignments, nil
}

func (r *Registry) resolveTokens(ctx context.Context, source MetadataSource, cache Cache) error {
	var pending []common.Address

	for addr, t := range r.tokens {
		if !r.inUse(addr) {
			continue
		}
		if cache != nil {
			rec, err := cache.GetToken(ctx, addr.Hex())
			if err != nil {
				return fmt.Errorf("reading cached token %s: %w", t.Symbol, err)
			}
			if rec != nil {
				r.apply(addr, rec.Symbol, rec.Decimals)
				continue
			}
		}
		pending = append(pending, addr)
	}

	if len(pending) == 0 {
		return nil
	}

	fetched, err := source.TokenMetadata(ctx, pending)
	if err != nil {
		return fmt.Errorf("fetching token metadata: %w", err)
	}

	records := make([]persistence.TokenRecord, 0, len(fetched))
	for _, addr := range pending {
		md, ok := fetched[addr]
		if !ok {
			return fmt.Errorf("fetching token metadata: no answer for %s", addr.Hex())
		}

		// Tokens with bytes32 symbols keep the configured one.
		symbol := md.Symbol
		if symbol == "" {
			symbol = r.tokens[addr].Symbol
		}

		r.apply(addr, symbol, int32(md.Decimals))
		records = append(records, persistence.TokenRecord{Address: addr.Hex(), Symbol: symbol, Decimals: int32(md.Decimals)})
	}

	if cache != nil {
		if err := cache.BulkUpsertTokens(ctx, records); err != nil {
			log.Warn().Err(err).Msg("Failed to cache token metadata")
		}
	}

	return nil
}

// apply records verified metadata, warning when it differs from configuration. The
// configured symbol is kept as the label so logs stay stable.
func (r *Registry) apply(addr common.Address, symbol string, decimals int32) {
	t := r.tokens[addr]
	if t.Decimals >= 0 && t.Decimals != decimals {
		log.Warn().
			Str("token", t.Symbol).
			Int32("configured", t.Decimals).
			Int32("onchain", decimals).
			Msg("Token decimals differ from configuration, using on-chain value")
	}
	if t.Symbol != symbol && t.Decimals >= 0 {
		log.Warn().
			Str("token", t.Address.Hex()).
			Str("configured", t.Symbol).
			Str("onchain", symbol).
			Msg("Token symbol differs from configuration")
	}
	if t.Decimals < 0 {
		t.Symbol = symbol
	}
	t.Decimals = decimals
	r.tokens[addr] = t
}

func (r *Registry) inUse(addr common.Address) bool {
	for _, p := range r.pools {
		if p.Token0.Address == addr || p.Token1.Address == addr {
			return true
		}
	}
	return false
}
