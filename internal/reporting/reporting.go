// Package reporting builds the wallet-manager tree: a per-wallet rollup of
// deposit accounts, brokerage positions (valued off live quotes), metal
// holdings, and real estate, plus top-N position performance and optional
// monthly snapshot history, all converted into one viewing currency
// (spec.md §4.10).
package reporting

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/domain"
	"github.com/aristath/walletcore/internal/money"
	"github.com/aristath/walletcore/internal/quoteclient"
)

// TopN is the number of top gainers/losers returned per brokerage account,
// matching the original service's default.
const TopN = 5

// QuoteSource fetches latest quotes for a batch of symbols. Satisfied by
// *quoteclient.Client; mocked in tests.
type QuoteSource interface {
	LatestForSymbols(ctx context.Context, symbols []string) map[string]quoteclient.Quote
}

// PositionPerformance is one priced brokerage position's P&L.
type PositionPerformance struct {
	Symbol    string
	Quantity  decimal.Decimal
	AvgCost   decimal.Decimal
	Price     decimal.Decimal
	Currency  string
	Value     decimal.Decimal
	Cost      decimal.Decimal
	PnLAmount decimal.Decimal
	PnLPct    decimal.Decimal
}

// DepositAccountNode is one deposit account valued in both its own and the
// viewing currency.
type DepositAccountNode struct {
	ID           int64
	Name         string
	Currency     string
	Available    decimal.Decimal
	ValueViewCcy decimal.Decimal
}

// BrokerageAccountNode is one brokerage account's cash+stock valuation,
// broken out by currency and converted into the viewing currency, with the
// account's top performers.
type BrokerageAccountNode struct {
	ID            int64
	Name          string
	CashByCcy     map[string]decimal.Decimal
	StocksByCcy   map[string]decimal.Decimal
	ValueViewCcy  decimal.Decimal
	TopGainers    []PositionPerformance
	TopLosers     []PositionPerformance
	MissingQuotes []string // symbols held with no available quote
}

// MetalNode is one metal holding valued off its futures quote.
type MetalNode struct {
	ID           int64
	Metal        string
	Grams        decimal.Decimal
	Currency     string
	Value        decimal.Decimal
	ValueViewCcy decimal.Decimal
	HasQuote     bool
}

// RealEstateNode is one property valued off the price-per-square-meter table.
type RealEstateNode struct {
	ID           int64
	Country      string
	AreaSqM      decimal.Decimal
	Currency     string
	Value        decimal.Decimal
	ValueViewCcy decimal.Decimal
	HasPrice     bool
}

// MonthSnapshot is one prior month's total wallet value, converted using
// that month's own stored FX rates rather than the tree's live rates.
type MonthSnapshot struct {
	MonthKey     string
	ValueViewCcy decimal.Decimal
}

// WalletNode is one wallet's full tree: accounts, holdings, totals, and
// optional history.
type WalletNode struct {
	WalletID          int64
	Name              string
	DepositAccounts   []DepositAccountNode
	BrokerageAccounts []BrokerageAccountNode
	Metals            []MetalNode
	RealEstate        []RealEstateNode
	TotalValueViewCcy decimal.Decimal
	IncomeYTDByCcy    map[string]decimal.Decimal
	ExpenseYTDByCcy   map[string]decimal.Decimal
	History           []MonthSnapshot
	HealthFlags       []string
}

// Tree is the full wallet-manager response for one user.
type Tree struct {
	ViewingCurrency string
	Wallets         []WalletNode
}

// Service builds wallet-manager trees against the wallet database.
type Service struct {
	db     *sql.DB
	quotes QuoteSource
	log    zerolog.Logger
}

// NewService builds a reporting Service.
func NewService(db *sql.DB, quotes QuoteSource, log zerolog.Logger) *Service {
	return &Service{db: db, quotes: quotes, log: log}
}

// WalletManagerTree builds the full tree for userID. months controls how
// many trailing monthly snapshots are attached per wallet (0 skips
// history). fx is the live rate map used to convert every current-value
// figure into viewingCcy; stored monthly snapshots are instead converted
// using their own recorded fx_monthly_snapshots row.
func (s *Service) WalletManagerTree(ctx context.Context, userID string, months int, viewingCcy string, fx money.RateMap) (Tree, error) {
	walletIDs, walletNames, err := walletsForUser(ctx, s.db, userID)
	if err != nil {
		return Tree{}, err
	}
	if len(walletIDs) == 0 {
		return Tree{}, apperr.NotFound("user %s has no wallets", userID)
	}

	symbols, err := allHeldSymbols(ctx, s.db, walletIDs)
	if err != nil {
		return Tree{}, err
	}
	quotes := s.quotes.LatestForSymbols(ctx, symbols)

	tree := Tree{ViewingCurrency: viewingCcy, Wallets: make([]WalletNode, 0, len(walletIDs))}
	for i, walletID := range walletIDs {
		node, err := s.buildWalletNode(ctx, walletID, walletNames[i], viewingCcy, fx, quotes, months)
		if err != nil {
			return Tree{}, err
		}
		tree.Wallets = append(tree.Wallets, node)
	}
	return tree, nil
}

func (s *Service) buildWalletNode(ctx context.Context, walletID int64, name, viewingCcy string, fx money.RateMap, quotes map[string]quoteclient.Quote, months int) (WalletNode, error) {
	node := WalletNode{WalletID: walletID, Name: name}

	deposits, depositTotal, err := s.depositNodes(ctx, walletID, viewingCcy, fx)
	if err != nil {
		return WalletNode{}, err
	}
	node.DepositAccounts = deposits

	brokerages, brokerageTotal, err := s.brokerageNodes(ctx, walletID, viewingCcy, fx, quotes)
	if err != nil {
		return WalletNode{}, err
	}
	node.BrokerageAccounts = brokerages

	metals, metalTotal, err := s.metalNodes(ctx, walletID, viewingCcy, fx, quotes)
	if err != nil {
		return WalletNode{}, err
	}
	node.Metals = metals

	realEstate, reTotal, err := s.realEstateNodes(ctx, walletID, viewingCcy, fx)
	if err != nil {
		return WalletNode{}, err
	}
	node.RealEstate = realEstate

	node.TotalValueViewCcy = depositTotal.Add(brokerageTotal).Add(metalTotal).Add(reTotal)

	income, expense, err := ytdIncomeExpense(ctx, s.db, walletID)
	if err != nil {
		return WalletNode{}, err
	}
	node.IncomeYTDByCcy = income
	node.ExpenseYTDByCcy = expense

	for _, b := range brokerages {
		if len(b.MissingQuotes) > 0 {
			node.HealthFlags = append(node.HealthFlags, "missing_quotes:"+b.Name)
		}
	}
	for _, m := range metals {
		if !m.HasQuote {
			node.HealthFlags = append(node.HealthFlags, "missing_quote:metal:"+m.Metal)
		}
	}
	for _, r := range realEstate {
		if !r.HasPrice {
			node.HealthFlags = append(node.HealthFlags, "missing_price:real_estate")
		}
	}

	if months > 0 {
		history, err := s.walletHistory(ctx, walletID, viewingCcy, months)
		if err != nil {
			return WalletNode{}, err
		}
		node.History = history
	}

	return node, nil
}

func walletsForUser(ctx context.Context, db *sql.DB, userID string) ([]int64, []string, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, name FROM wallets WHERE user_id = ?`, userID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	defer rows.Close()
	var ids []int64
	var names []string
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, nil, apperr.Internal(err)
		}
		ids = append(ids, id)
		names = append(names, name)
	}
	return ids, names, rows.Err()
}

func allHeldSymbols(ctx context.Context, db *sql.DB, walletIDs []int64) ([]string, error) {
	seen := map[string]bool{}
	var symbols []string
	add := func(sym string) {
		if sym != "" && !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	rows, err := db.QueryContext(ctx, inClause(`
		SELECT DISTINCT i.symbol
		FROM holdings h
		JOIN brokerage_accounts ba ON ba.id = h.brokerage_account_id
		JOIN instruments i ON i.id = h.instrument_id
		WHERE ba.wallet_id IN (`, walletIDs, `)`), idArgs(walletIDs)...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			rows.Close()
			return nil, apperr.Internal(err)
		}
		add(sym)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}

	metalRows, err := db.QueryContext(ctx, inClause(`
		SELECT DISTINCT quote_symbol FROM metal_holdings WHERE wallet_id IN (`, walletIDs, `)`), idArgs(walletIDs)...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer metalRows.Close()
	for metalRows.Next() {
		var sym string
		if err := metalRows.Scan(&sym); err != nil {
			return nil, apperr.Internal(err)
		}
		add(sym)
	}
	return symbols, metalRows.Err()
}

func (s *Service) depositNodes(ctx context.Context, walletID int64, viewingCcy string, fx money.RateMap) ([]DepositAccountNode, decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT da.id, da.name, da.currency, db.available
		FROM deposit_accounts da
		JOIN deposit_balances db ON db.deposit_account_id = da.id
		WHERE da.wallet_id = ?
	`, walletID)
	if err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}
	defer rows.Close()

	var nodes []DepositAccountNode
	total := decimal.Zero
	for rows.Next() {
		var id int64
		var name, ccy, available string
		if err := rows.Scan(&id, &name, &ccy, &available); err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}
		amt, _ := decimal.NewFromString(available)
		view, err := fx.Convert(amt, ccy, viewingCcy)
		if err != nil {
			s.log.Warn().Err(err).Str("currency", ccy).Msg("reporting: could not convert deposit balance")
			view = decimal.Zero
		}
		nodes = append(nodes, DepositAccountNode{ID: id, Name: name, Currency: ccy, Available: amt, ValueViewCcy: view})
		total = total.Add(view)
	}
	return nodes, total, rows.Err()
}

type heldPosition struct {
	symbol   string
	quantity decimal.Decimal
	avgCost  decimal.Decimal
	currency string
}

func (s *Service) brokerageNodes(ctx context.Context, walletID int64, viewingCcy string, fx money.RateMap, quotes map[string]quoteclient.Quote) ([]BrokerageAccountNode, decimal.Decimal, error) {
	accountRows, err := s.db.QueryContext(ctx, `SELECT id, name FROM brokerage_accounts WHERE wallet_id = ?`, walletID)
	if err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}
	type acct struct {
		id   int64
		name string
	}
	var accounts []acct
	for accountRows.Next() {
		var a acct
		if err := accountRows.Scan(&a.id, &a.name); err != nil {
			accountRows.Close()
			return nil, decimal.Zero, apperr.Internal(err)
		}
		accounts = append(accounts, a)
	}
	accountRows.Close()
	if err := accountRows.Err(); err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}

	var nodes []BrokerageAccountNode
	walletTotal := decimal.Zero
	for _, a := range accounts {
		node := BrokerageAccountNode{ID: a.id, Name: a.name, CashByCcy: map[string]decimal.Decimal{}, StocksByCcy: map[string]decimal.Decimal{}}

		cashRows, err := s.db.QueryContext(ctx, `
			SELECT db.available, bdl.currency
			FROM brokerage_deposit_links bdl
			JOIN deposit_balances db ON db.deposit_account_id = bdl.deposit_account_id
			WHERE bdl.brokerage_account_id = ?
		`, a.id)
		if err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}
		for cashRows.Next() {
			var available, ccy string
			if err := cashRows.Scan(&available, &ccy); err != nil {
				cashRows.Close()
				return nil, decimal.Zero, apperr.Internal(err)
			}
			amt, _ := decimal.NewFromString(available)
			node.CashByCcy[ccy] = node.CashByCcy[ccy].Add(amt)
		}
		cashRows.Close()
		if err := cashRows.Err(); err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}

		positionRows, err := s.db.QueryContext(ctx, `
			SELECT i.symbol, h.quantity, h.avg_cost, i.currency
			FROM holdings h JOIN instruments i ON i.id = h.instrument_id
			WHERE h.brokerage_account_id = ?
		`, a.id)
		if err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}
		var positions []heldPosition
		for positionRows.Next() {
			var p heldPosition
			var qty, cost string
			if err := positionRows.Scan(&p.symbol, &qty, &cost, &p.currency); err != nil {
				positionRows.Close()
				return nil, decimal.Zero, apperr.Internal(err)
			}
			p.quantity, _ = decimal.NewFromString(qty)
			p.avgCost, _ = decimal.NewFromString(cost)
			positions = append(positions, p)
		}
		positionRows.Close()
		if err := positionRows.Err(); err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}

		performances := make([]PositionPerformance, 0, len(positions))
		for _, p := range positions {
			q, ok := quotes[p.symbol]
			if !ok {
				node.MissingQuotes = append(node.MissingQuotes, p.symbol)
				continue
			}
			value := p.quantity.Mul(q.Price)
			cost := p.quantity.Mul(p.avgCost)
			pnl := value.Sub(cost)
			pnlPct := decimal.Zero
			if cost.GreaterThan(decimal.Zero) {
				pnlPct = pnl.Div(cost)
			}
			node.StocksByCcy[q.Currency] = node.StocksByCcy[q.Currency].Add(value)
			performances = append(performances, PositionPerformance{
				Symbol: p.symbol, Quantity: p.quantity, AvgCost: p.avgCost, Price: q.Price,
				Currency: q.Currency, Value: value, Cost: cost, PnLAmount: pnl, PnLPct: pnlPct,
			})
		}

		node.TopGainers, node.TopLosers = topNPerformance(performances, TopN)

		acctTotal := decimal.Zero
		for ccy, amt := range node.CashByCcy {
			view, err := fx.Convert(amt, ccy, viewingCcy)
			if err != nil {
				s.log.Warn().Err(err).Str("currency", ccy).Msg("reporting: could not convert brokerage cash")
				continue
			}
			acctTotal = acctTotal.Add(view)
		}
		for ccy, amt := range node.StocksByCcy {
			view, err := fx.Convert(amt, ccy, viewingCcy)
			if err != nil {
				s.log.Warn().Err(err).Str("currency", ccy).Msg("reporting: could not convert brokerage stocks")
				continue
			}
			acctTotal = acctTotal.Add(view)
		}
		node.ValueViewCcy = acctTotal
		walletTotal = walletTotal.Add(acctTotal)
		nodes = append(nodes, node)
	}
	return nodes, walletTotal, nil
}

// topNPerformance splits performances into top-N gainers (by pnl_pct desc)
// and top-N losers (by pnl_pct asc), matching compute_top_n_performance_from_quotes.
func topNPerformance(performances []PositionPerformance, n int) (gainers, losers []PositionPerformance) {
	if len(performances) == 0 {
		return nil, nil
	}
	byPct := make([]PositionPerformance, len(performances))
	copy(byPct, performances)

	sort.Slice(byPct, func(i, j int) bool { return byPct[i].PnLPct.GreaterThan(byPct[j].PnLPct) })
	gainerCount := n
	if gainerCount > len(byPct) {
		gainerCount = len(byPct)
	}
	gainers = append(gainers, byPct[:gainerCount]...)

	sort.Slice(byPct, func(i, j int) bool { return byPct[i].PnLPct.LessThan(byPct[j].PnLPct) })
	loserCount := n
	if loserCount > len(byPct) {
		loserCount = len(byPct)
	}
	losers = append(losers, byPct[:loserCount]...)

	return gainers, losers
}

func (s *Service) metalNodes(ctx context.Context, walletID int64, viewingCcy string, fx money.RateMap, quotes map[string]quoteclient.Quote) ([]MetalNode, decimal.Decimal, error) {
	troyOz, _ := decimal.NewFromString(domain.GramsPerTroyOunce)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, metal, quote_symbol, grams, currency FROM metal_holdings WHERE wallet_id = ?
	`, walletID)
	if err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}
	defer rows.Close()

	var nodes []MetalNode
	total := decimal.Zero
	for rows.Next() {
		var id int64
		var metal, symbol, grams, ccy string
		if err := rows.Scan(&id, &metal, &symbol, &grams, &ccy); err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}
		g, _ := decimal.NewFromString(grams)

		node := MetalNode{ID: id, Metal: metal, Grams: g, Currency: ccy}
		if q, ok := quotes[symbol]; ok {
			pricePerGram := q.Price.Div(troyOz)
			node.Value = g.Mul(pricePerGram).Round(2)
			node.HasQuote = true
			view, err := fx.Convert(node.Value, ccy, viewingCcy)
			if err != nil {
				s.log.Warn().Err(err).Str("currency", ccy).Msg("reporting: could not convert metal value")
			} else {
				node.ValueViewCcy = view
				total = total.Add(view)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, total, rows.Err()
}

func (s *Service) realEstateNodes(ctx context.Context, walletID int64, viewingCcy string, fx money.RateMap) ([]RealEstateNode, decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, country, area_sq_m, currency FROM real_estates WHERE wallet_id = ?
	`, walletID)
	if err != nil {
		return nil, decimal.Zero, apperr.Internal(err)
	}
	defer rows.Close()

	var nodes []RealEstateNode
	total := decimal.Zero
	for rows.Next() {
		var id int64
		var country, area, ccy string
		if err := rows.Scan(&id, &country, &area, &ccy); err != nil {
			return nil, decimal.Zero, apperr.Internal(err)
		}
		areaDec, _ := decimal.NewFromString(area)

		node := RealEstateNode{ID: id, Country: country, AreaSqM: areaDec, Currency: ccy}
		price, _, found, err := lookupPricePerSqM(ctx, s.db, country, ccy)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if found {
			node.Value = areaDec.Mul(price).Round(2)
			node.HasPrice = true
			view, err := fx.Convert(node.Value, ccy, viewingCcy)
			if err != nil {
				s.log.Warn().Err(err).Str("currency", ccy).Msg("reporting: could not convert real estate value")
			} else {
				node.ValueViewCcy = view
				total = total.Add(view)
			}
		}
		nodes = append(nodes, node)
	}
	return nodes, total, rows.Err()
}

func lookupPricePerSqM(ctx context.Context, db *sql.DB, country, currency string) (decimal.Decimal, string, bool, error) {
	var price string
	err := db.QueryRowContext(ctx, `
		SELECT price_per_sq_m FROM real_estate_prices WHERE country = ? AND currency = ? ORDER BY created_at DESC LIMIT 1
	`, country, currency).Scan(&price)
	if err == nil {
		p, _ := decimal.NewFromString(price)
		return p, currency, true, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, "", false, apperr.Internal(err)
	}

	err = db.QueryRowContext(ctx, `
		SELECT price_per_sq_m FROM real_estate_prices WHERE country IS NULL AND currency = ? ORDER BY created_at DESC LIMIT 1
	`, currency).Scan(&price)
	if err == nil {
		p, _ := decimal.NewFromString(price)
		return p, currency, true, nil
	}
	if err != sql.ErrNoRows {
		return decimal.Zero, "", false, apperr.Internal(err)
	}
	return decimal.Zero, "", false, nil
}

// ytdIncomeExpense sums this calendar year's positive (income) and negative
// (expense) transaction amounts by currency, across every deposit account
// in the wallet.
func ytdIncomeExpense(ctx context.Context, db *sql.DB, walletID int64) (map[string]decimal.Decimal, map[string]decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT da.currency, t.amount
		FROM transactions t
		JOIN deposit_accounts da ON da.id = t.deposit_account_id
		WHERE da.wallet_id = ? AND strftime('%Y', t.date_transaction) = strftime('%Y', 'now')
	`, walletID)
	if err != nil {
		return nil, nil, apperr.Internal(err)
	}
	defer rows.Close()

	income := map[string]decimal.Decimal{}
	expense := map[string]decimal.Decimal{}
	for rows.Next() {
		var ccy, amountStr string
		if err := rows.Scan(&ccy, &amountStr); err != nil {
			return nil, nil, apperr.Internal(err)
		}
		amt, _ := decimal.NewFromString(amountStr)
		if amt.GreaterThanOrEqual(decimal.Zero) {
			income[ccy] = income[ccy].Add(amt)
		} else {
			expense[ccy] = expense[ccy].Add(amt.Abs())
		}
	}
	return income, expense, rows.Err()
}

// walletHistory reads the most recent `months` fx_monthly_snapshots rows and
// sums, for each, that month's recorded deposit/brokerage/metal/real-estate
// snapshot values converted via that month's own rate map (not the tree's
// live fx).
func (s *Service) walletHistory(ctx context.Context, walletID int64, viewingCcy string, months int) ([]MonthSnapshot, error) {
	monthRows, err := s.db.QueryContext(ctx, `SELECT month_key, rates_json FROM fx_monthly_snapshots ORDER BY month_key DESC LIMIT ?`, months)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	type monthFx struct {
		key string
		fx  money.RateMap
	}
	var monthKeys []monthFx
	for monthRows.Next() {
		var key, ratesJSON string
		if err := monthRows.Scan(&key, &ratesJSON); err != nil {
			monthRows.Close()
			return nil, apperr.Internal(err)
		}
		var rates map[string]decimal.Decimal
		if err := json.Unmarshal([]byte(ratesJSON), &rates); err != nil {
			s.log.Warn().Err(err).Str("month_key", key).Msg("reporting: could not parse stored fx snapshot")
			rates = map[string]decimal.Decimal{}
		}
		monthKeys = append(monthKeys, monthFx{key: key, fx: money.RateMap(rates)})
	}
	monthRows.Close()
	if err := monthRows.Err(); err != nil {
		return nil, apperr.Internal(err)
	}

	history := make([]MonthSnapshot, 0, len(monthKeys))
	for _, m := range monthKeys {
		total := decimal.Zero

		depositSum, err := sumMonthlyByCcy(ctx, s.db, `
			SELECT das.currency, das.available FROM deposit_account_monthly_snapshots das
			JOIN deposit_accounts da ON da.id = das.deposit_account_id
			WHERE da.wallet_id = ? AND das.month_key = ?`, walletID, m.key)
		if err != nil {
			return nil, err
		}
		total = total.Add(convertSum(s.log, depositSum, m.fx, viewingCcy))

		brokerageRows, err := s.db.QueryContext(ctx, `
			SELECT bas.cash_by_currency_json, bas.stocks_by_currency_json FROM brokerage_account_monthly_snapshots bas
			JOIN brokerage_accounts ba ON ba.id = bas.brokerage_account_id
			WHERE ba.wallet_id = ? AND bas.month_key = ?`, walletID, m.key)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		for brokerageRows.Next() {
			var cashJSON, stocksJSON string
			if err := brokerageRows.Scan(&cashJSON, &stocksJSON); err != nil {
				brokerageRows.Close()
				return nil, apperr.Internal(err)
			}
			total = total.Add(convertSum(s.log, decodeCcyMap(cashJSON), m.fx, viewingCcy))
			total = total.Add(convertSum(s.log, decodeCcyMap(stocksJSON), m.fx, viewingCcy))
		}
		brokerageRows.Close()
		if err := brokerageRows.Err(); err != nil {
			return nil, apperr.Internal(err)
		}

		metalSum, err := sumMonthlyByCcy(ctx, s.db, `
			SELECT mhs.currency, mhs.value FROM metal_holding_monthly_snapshots mhs
			JOIN metal_holdings mh ON mh.id = mhs.metal_holding_id
			WHERE mh.wallet_id = ? AND mhs.month_key = ?`, walletID, m.key)
		if err != nil {
			return nil, err
		}
		total = total.Add(convertSum(s.log, metalSum, m.fx, viewingCcy))

		reSum, err := sumMonthlyByCcy(ctx, s.db, `
			SELECT res.currency, res.value FROM real_estate_monthly_snapshots res
			JOIN real_estates re ON re.id = res.real_estate_id
			WHERE re.wallet_id = ? AND res.month_key = ?`, walletID, m.key)
		if err != nil {
			return nil, err
		}
		total = total.Add(convertSum(s.log, reSum, m.fx, viewingCcy))

		history = append(history, MonthSnapshot{MonthKey: m.key, ValueViewCcy: total})
	}
	return history, nil
}

func sumMonthlyByCcy(ctx context.Context, db *sql.DB, query string, args ...any) (map[string]decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()
	sums := map[string]decimal.Decimal{}
	for rows.Next() {
		var ccy, val string
		if err := rows.Scan(&ccy, &val); err != nil {
			return nil, apperr.Internal(err)
		}
		v, _ := decimal.NewFromString(val)
		sums[ccy] = sums[ccy].Add(v)
	}
	return sums, rows.Err()
}

func decodeCcyMap(raw string) map[string]decimal.Decimal {
	var strs map[string]string
	if err := json.Unmarshal([]byte(raw), &strs); err != nil {
		return map[string]decimal.Decimal{}
	}
	out := make(map[string]decimal.Decimal, len(strs))
	for k, v := range strs {
		d, _ := decimal.NewFromString(v)
		out[k] = d
	}
	return out
}

func convertSum(log zerolog.Logger, byCcy map[string]decimal.Decimal, fx money.RateMap, viewingCcy string) decimal.Decimal {
	total := decimal.Zero
	for ccy, amt := range byCcy {
		view, err := fx.Convert(amt, ccy, viewingCcy)
		if err != nil {
			log.Warn().Err(err).Str("currency", ccy).Msg("reporting: could not convert historical snapshot value")
			continue
		}
		total = total.Add(view)
	}
	return total
}

func inClause(prefix string, ids []int64, suffix string) string {
	placeholders := ""
	for i := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}
	return prefix + placeholders + suffix
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
