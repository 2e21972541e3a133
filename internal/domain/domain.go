// Package domain defines the relational row types shared across the wallet
// and market-data core (spec.md §3 DATA MODEL).
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is a trading venue identified by a 4-character MIC. Seeded once,
// effectively immutable thereafter.
type Market struct {
	ID           string
	DisplayName  string
	Country      string
	Timezone     string
	Active       bool
	BaseCurrency string
}

// InstrumentType enumerates the instrument taxonomy.
type InstrumentType string

const (
	InstrumentEquity    InstrumentType = "equity"
	InstrumentFund      InstrumentType = "fund"
	InstrumentBond      InstrumentType = "bond"
	InstrumentFXPair    InstrumentType = "currency_pair"
	InstrumentCrypto    InstrumentType = "crypto_asset"
	InstrumentIndex     InstrumentType = "index"
	InstrumentREIT      InstrumentType = "real_estate_trust"
	InstrumentCommodity InstrumentType = "commodity"
	InstrumentMacro     InstrumentType = "macro"
)

// InstrumentStatus enumerates instrument lifecycle state.
type InstrumentStatus string

const (
	InstrumentActive   InstrumentStatus = "active"
	InstrumentInactive InstrumentStatus = "inactive"
)

// Instrument is a uniquely-symboled tradable security or asset.
type Instrument struct {
	ID        int64
	Symbol    string
	ISIN      string // optional ISO-6166 code; empty when unknown
	ShortName string
	FullName  string
	Type      InstrumentType
	Status    InstrumentStatus
	MarketID  string
	Currency  string
	CreatedAt time.Time
}

// QuoteLatest is the most recent price snapshot for an instrument.
type QuoteLatest struct {
	InstrumentID int64
	LastPrice    decimal.Decimal
	ChangePct    decimal.Decimal
	Volume       *int64
	LastTradeAt  time.Time
	Provider     string
	UpdatedAt    time.Time
}

// CandleDaily is one OHLC bar for an instrument on a given trade date.
type CandleDaily struct {
	InstrumentID int64
	TradeDate    string // YYYY-MM-DD
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       *int64
	TradeAt      time.Time
}

// Wallet belongs to a user and owns accounts and holdings.
type Wallet struct {
	ID        int64
	UserID    string
	Name      string
	CreatedAt time.Time
}

// Bank is a financial institution referenced by deposit and brokerage accounts.
type Bank struct {
	ID   int64
	Name string
}

// AccountType enumerates deposit account kinds.
type AccountType string

const (
	AccountCurrent   AccountType = "current"
	AccountSavings   AccountType = "savings"
	AccountBrokerage AccountType = "brokerage"
	AccountCredit    AccountType = "credit"
)

// DepositAccount holds cash for a wallet at a bank.
type DepositAccount struct {
	ID                int64
	WalletID          int64
	BankID            int64
	Name              string
	AccountType       AccountType
	Currency          string
	AccountNumberEnc  []byte
	IBANEnc           []byte
	IBANFingerprint   string
	CreatedAt         time.Time
}

// DepositBalance is the 1:1 balance row for a DepositAccount.
type DepositBalance struct {
	DepositAccountID int64
	Available        decimal.Decimal
	Blocked          decimal.Decimal
}

// BrokerageAccount owns Holdings and links to one or more DepositAccounts.
type BrokerageAccount struct {
	ID        int64
	WalletID  int64
	BankID    int64
	Name      string
	CreatedAt time.Time
}

// BrokerageDepositLink associates a BrokerageAccount's currency-denominated
// cash effects with a specific DepositAccount.
type BrokerageDepositLink struct {
	ID                 int64
	BrokerageAccountID int64
	DepositAccountID   int64
	Currency           string
}

// Holding is the net position in one instrument for one brokerage account.
type Holding struct {
	BrokerageAccountID int64
	InstrumentID       int64
	Quantity           decimal.Decimal
	AvgCost            decimal.Decimal
	UpdatedAt          time.Time
}

// EventKind enumerates BrokerageEvent kinds.
type EventKind string

const (
	EventBuy   EventKind = "BUY"
	EventSell  EventKind = "SELL"
	EventSplit EventKind = "SPLIT"
	EventDiv   EventKind = "DIV"
)

// BrokerageEvent is an immutable record of a buy/sell/split/dividend.
type BrokerageEvent struct {
	ID                 int64
	BrokerageAccountID int64
	InstrumentID       int64
	Kind               EventKind
	TradeAt            time.Time
	Quantity           decimal.Decimal
	Price              decimal.Decimal
	SplitRatio         *decimal.Decimal
	Currency           string
	CreatedAt          time.Time
}

// Transaction is one append-only ledger row on a deposit account.
type Transaction struct {
	ID               int64
	DepositAccountID int64
	DateTransaction  time.Time
	Amount           decimal.Decimal
	AmountBefore     decimal.Decimal
	AmountAfter      decimal.Decimal
	Description      string
	Category         string
	Status           string
	CreatedAt        time.Time
}

// CapitalGainKind enumerates the sources of a realized gain/loss.
type CapitalGainKind string

const (
	CapitalGainDepositInterest    CapitalGainKind = "deposit_interest"
	CapitalGainBrokerRealizedPnL  CapitalGainKind = "broker_realized_pnl"
	CapitalGainBrokerDividend     CapitalGainKind = "broker_dividend"
	CapitalGainMetalRealizedPnL   CapitalGainKind = "metal_realized_pnl"
	CapitalGainRealEstateRealized CapitalGainKind = "real_estate_realized_pnl"
)

// CapitalGain is a realized monetary gain or loss tied to a cash event.
type CapitalGain struct {
	ID               int64
	Kind             CapitalGainKind
	Amount           decimal.Decimal
	Currency         string
	OccurredAt       time.Time
	DepositAccountID int64
	TransactionID    *int64
	CreatedAt        time.Time
}

// MetalHolding is a physical precious-metal position, valued off the
// futures quote for QuoteSymbol (e.g. gold -> GC.F) converted from troy
// ounces to grams.
type MetalHolding struct {
	ID          int64
	WalletID    int64
	Metal       string
	QuoteSymbol string
	Grams       decimal.Decimal
	CostBasis   decimal.Decimal
	Currency    string
	CreatedAt   time.Time
}

// GramsPerTroyOunce converts a futures price quoted per troy ounce into a
// per-gram price.
const GramsPerTroyOunce = "31.1034768"

// RealEstatePrice is a reference price-per-square-meter data point. An
// empty Country means a global fallback rate.
type RealEstatePrice struct {
	ID           int64
	Country      string
	Currency     string
	PricePerSqM  decimal.Decimal
	CreatedAt    time.Time
}

// RealEstate is a property asset valued by area and a price-per-square-meter lookup.
type RealEstate struct {
	ID        int64
	WalletID  int64
	Country   string
	AreaSqM   decimal.Decimal
	CostBasis decimal.Decimal
	Currency  string
	CreatedAt time.Time
}

// FxMonthlySnapshot is the FX rate map used during a given month's snapshot run.
type FxMonthlySnapshot struct {
	MonthKey  string
	Rates     map[string]decimal.Decimal
	UpdatedAt time.Time
}

// DepositAccountMonthlySnapshot is a point-in-time deposit balance.
type DepositAccountMonthlySnapshot struct {
	DepositAccountID int64
	MonthKey         string
	Currency         string
	Available        decimal.Decimal
	UpdatedAt        time.Time
}

// BrokerageAccountMonthlySnapshot is a point-in-time brokerage valuation,
// split into cash (via linked deposit accounts) and stocks (live quotes),
// each grouped by currency.
type BrokerageAccountMonthlySnapshot struct {
	BrokerageAccountID int64
	MonthKey           string
	CashByCurrency     map[string]decimal.Decimal
	StocksByCurrency    map[string]decimal.Decimal
	UpdatedAt          time.Time
}

// MetalHoldingMonthlySnapshot is a point-in-time metal valuation.
type MetalHoldingMonthlySnapshot struct {
	MetalHoldingID int64
	MonthKey       string
	Value          decimal.Decimal
	Currency       string
	UpdatedAt      time.Time
}

// RealEstateMonthlySnapshot is a point-in-time real-estate valuation.
type RealEstateMonthlySnapshot struct {
	RealEstateID int64
	MonthKey     string
	Value        decimal.Decimal
	Currency     string
	UpdatedAt    time.Time
}
