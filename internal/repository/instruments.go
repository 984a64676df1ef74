package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

// ErrSymbolResolution reports symbols with no instrument_mapping row.
var ErrSymbolResolution = errors.New("symbol resolution failed")

type instrumentMapping struct {
	Symbol       string
	Exchange     string
	InstrumentID int64
}

// upsertInstrumentMappings refreshes the symbol directory inside the batch
// transaction, before any fact rows reference it.
func upsertInstrumentMappings(ctx context.Context, tx pgx.Tx, mappings map[string]instrumentMapping) error {
	if len(mappings) == 0 {
		return nil
	}

	keys := make([]string, 0, len(mappings))
	for k := range mappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	symbols := make([]string, len(keys))
	exchanges := make([]string, len(keys))
	ids := make([]int64, len(keys))
	for i, k := range keys {
		m := mappings[k]
		symbols[i] = sanitizeForPG(m.Symbol)
		exchanges[i] = sanitizeForPG(m.Exchange)
		ids[i] = m.InstrumentID
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO market.instrument_mapping (symbol, exchange, instrument_id, updated_at)
		SELECT u.symbol, u.exchange, u.instrument_id, NOW()
		FROM UNNEST(
			$1::text[],   -- symbol
			$2::text[],   -- exchange
			$3::bigint[]  -- instrument_id
		) AS u(symbol, exchange, instrument_id)
		ON CONFLICT (symbol, exchange) DO UPDATE SET
			instrument_id = EXCLUDED.instrument_id,
			updated_at = EXCLUDED.updated_at
	`, symbols, exchanges, ids)
	if err != nil {
		return fmt.Errorf("upsert instrument mappings: %w", err)
	}
	return nil
}

// resolveSymbolsTx looks up instrument ids for symbols inside a transaction.
// Missing symbols are simply absent from the result.
func resolveSymbolsTx(ctx context.Context, tx pgx.Tx, exchange string, symbols []string) (map[string]int64, error) {
	if len(symbols) == 0 {
		return map[string]int64{}, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT symbol, instrument_id
		FROM market.instrument_mapping
		WHERE exchange = $1 AND symbol = ANY($2)
	`, exchange, symbols)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64, len(symbols))
	for rows.Next() {
		var sym string
		var id int64
		if err := rows.Scan(&sym, &id); err != nil {
			return nil, err
		}
		out[sym] = id
	}
	return out, rows.Err()
}

// ResolveSymbols maps symbols to instrument ids across all exchanges. Every
// requested symbol must resolve; otherwise ErrSymbolResolution names the
// missing ones.
func (r *Repository) ResolveSymbols(ctx context.Context, symbols []string) (map[string]uint32, error) {
	if len(symbols) == 0 {
		return map[string]uint32{}, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT ON (symbol) symbol, instrument_id
		FROM market.instrument_mapping
		WHERE symbol = ANY($1)
		ORDER BY symbol, updated_at DESC
	`, symbols)
	if err != nil {
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}
	defer rows.Close()

	out := make(map[string]uint32, len(symbols))
	for rows.Next() {
		var sym string
		var id int64
		if err := rows.Scan(&sym, &id); err != nil {
			return nil, err
		}
		out[sym] = uint32(id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, s := range symbols {
		if _, ok := out[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrSymbolResolution, missing)
	}
	return out, nil
}

// AvailableSymbols lists known symbols, optionally narrowed by exchange.
// Asset filtering matches a symbol prefix since the mapping table does not
// carry per-asset metadata.
func (r *Repository) AvailableSymbols(ctx context.Context, asset, exchange string) ([]string, error) {
	q := `SELECT DISTINCT symbol FROM market.instrument_mapping WHERE 1=1`
	args := []any{}
	if exchange != "" {
		args = append(args, exchange)
		q += fmt.Sprintf(" AND exchange = $%d", len(args))
	}
	if asset != "" {
		args = append(args, asset+"%")
		q += fmt.Sprintf(" AND symbol LIKE $%d", len(args))
	}
	q += " ORDER BY symbol"

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("available symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
