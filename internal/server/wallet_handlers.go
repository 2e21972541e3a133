// wallet_handlers.go implements the HTTP handlers mounted by server.go: the
// wallet-domain surface (wallets, accounts, brokerage events, transactions,
// snapshots, the manager tree) and the market-data surface (latest quotes,
// instrument search, candle sync), all delegating into the service packages
// that own each operation (spec.md §6).
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/aristath/walletcore/internal/apperr"
	"github.com/aristath/walletcore/internal/brokerage"
	"github.com/aristath/walletcore/internal/domain"
	"github.com/aristath/walletcore/internal/ledger"
	"github.com/aristath/walletcore/internal/money"
	"github.com/aristath/walletcore/internal/quoteclient"
	"github.com/aristath/walletcore/internal/security"
)

type handlers struct {
	cfg Config
}

type bankOut struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type transactionOut struct {
	ID              int64  `json:"id"`
	DateTransaction string `json:"date_transaction"`
	Amount          string `json:"amount"`
	Description     string `json:"description"`
	Category        string `json:"category"`
}

type accountOut struct {
	ID               int64              `json:"id"`
	Name             string             `json:"name"`
	BankID           int64              `json:"bank_id"`
	AccountType      domain.AccountType `json:"account_type"`
	Currency         string             `json:"currency"`
	Available        string             `json:"available"`
	Blocked          string             `json:"blocked"`
	LastTransactions []transactionOut   `json:"last_transactions"`
}

type brokerageAccountOut struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type walletOut struct {
	ID                int64                 `json:"id"`
	Name              string                `json:"name"`
	Accounts          []accountOut          `json:"accounts"`
	BrokerageAccounts []brokerageAccountOut `json:"brokerage_accounts"`
}

type walletUserResponse struct {
	UserID  string      `json:"user_id"`
	Banks   []bankOut   `json:"banks"`
	Wallets []walletOut `json:"wallets"`
}

// syncUser returns a user's full wallet/account/bank picture. There is no
// separate identity table: the X-User-Id header is itself the durable user
// key every wallet row carries, so "sync" here is read-only.
func (h *handlers) syncUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := userIDFrom(r)

	banks, err := h.listBanks(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := walletUserResponse{UserID: userID, Banks: banks, Wallets: []walletOut{}}

	rows, err := h.cfg.DB.QueryContext(ctx, `SELECT id, name FROM wallets WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	defer rows.Close()

	var walletIDs []int64
	wallets := map[int64]*walletOut{}
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		wo := walletOut{ID: id, Name: name, Accounts: []accountOut{}, BrokerageAccounts: []brokerageAccountOut{}}
		wallets[id] = &wo
		walletIDs = append(walletIDs, id)
	}
	if err := rows.Err(); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	for _, walletID := range walletIDs {
		accounts, err := h.depositAccountsFor(ctx, walletID)
		if err != nil {
			writeError(w, err)
			return
		}
		wallets[walletID].Accounts = accounts

		brokerageAccs, err := h.brokerageAccountsFor(ctx, walletID)
		if err != nil {
			writeError(w, err)
			return
		}
		wallets[walletID].BrokerageAccounts = brokerageAccs
	}

	for _, id := range walletIDs {
		resp.Wallets = append(resp.Wallets, *wallets[id])
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) listBanks(ctx context.Context) ([]bankOut, error) {
	rows, err := h.cfg.DB.QueryContext(ctx, `SELECT id, name FROM banks ORDER BY name`)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()
	banks := []bankOut{}
	for rows.Next() {
		var b bankOut
		if err := rows.Scan(&b.ID, &b.Name); err != nil {
			return nil, apperr.Internal(err)
		}
		banks = append(banks, b)
	}
	return banks, rows.Err()
}

func (h *handlers) depositAccountsFor(ctx context.Context, walletID int64) ([]accountOut, error) {
	rows, err := h.cfg.DB.QueryContext(ctx, `
		SELECT da.id, da.name, da.bank_id, da.account_type, da.currency, db.available, db.blocked
		FROM deposit_accounts da
		JOIN deposit_balances db ON db.deposit_account_id = da.id
		WHERE da.wallet_id = ?
		ORDER BY da.id
	`, walletID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	accounts := []accountOut{}
	for rows.Next() {
		var a accountOut
		if err := rows.Scan(&a.ID, &a.Name, &a.BankID, &a.AccountType, &a.Currency, &a.Available, &a.Blocked); err != nil {
			return nil, apperr.Internal(err)
		}
		txs, err := h.lastTransactionsFor(ctx, a.ID, 5)
		if err != nil {
			return nil, err
		}
		a.LastTransactions = txs
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (h *handlers) lastTransactionsFor(ctx context.Context, accountID int64, n int) ([]transactionOut, error) {
	rows, err := h.cfg.DB.QueryContext(ctx, `
		SELECT id, date_transaction, amount, description, category
		FROM transactions
		WHERE deposit_account_id = ?
		ORDER BY date_transaction DESC, id DESC
		LIMIT ?
	`, accountID, n)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	txs := []transactionOut{}
	for rows.Next() {
		var t transactionOut
		if err := rows.Scan(&t.ID, &t.DateTransaction, &t.Amount, &t.Description, &t.Category); err != nil {
			return nil, apperr.Internal(err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (h *handlers) brokerageAccountsFor(ctx context.Context, walletID int64) ([]brokerageAccountOut, error) {
	rows, err := h.cfg.DB.QueryContext(ctx, `SELECT id, name FROM brokerage_accounts WHERE wallet_id = ? ORDER BY id`, walletID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	accs := []brokerageAccountOut{}
	for rows.Next() {
		var a brokerageAccountOut
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, apperr.Internal(err)
		}
		accs = append(accs, a)
	}
	return accs, rows.Err()
}

// createWallet creates a wallet owned by the calling user.
func (h *handlers) createWallet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		writeError(w, apperr.Validation("wallet name is required"))
		return
	}

	userID := userIDFrom(r)
	res, err := h.cfg.DB.ExecContext(r.Context(), `INSERT INTO wallets (user_id, name) VALUES (?, ?)`, userID, name)
	if err != nil {
		if isUniqueViolation(err) {
			writeError(w, apperr.Conflict("a wallet named %q already exists", name))
			return
		}
		writeError(w, apperr.Internal(err))
		return
	}
	id, _ := res.LastInsertId()
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": name})
}

// deleteWallet removes a wallet owned by the calling user.
func (h *handlers) deleteWallet(w http.ResponseWriter, r *http.Request) {
	walletID, err := strconv.ParseInt(chi.URLParam(r, "wallet_id"), 10, 64)
	if err != nil {
		writeError(w, apperr.Validation("invalid wallet id"))
		return
	}
	userID := userIDFrom(r)

	res, err := h.cfg.DB.ExecContext(r.Context(), `DELETE FROM wallets WHERE id = ? AND user_id = ?`, walletID, userID)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, apperr.NotFound("wallet %d not found", walletID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createAccount creates a deposit account under a wallet. When account_type
// is "brokerage", a paired brokerage account is created and linked via
// brokerage_deposit_links, with the whole operation rolled back on failure.
func (h *handlers) createAccount(w http.ResponseWriter, r *http.Request) {
	walletID, err := strconv.ParseInt(chi.URLParam(r, "wallet_id"), 10, 64)
	if err != nil {
		writeError(w, apperr.Validation("invalid wallet id"))
		return
	}

	var body struct {
		Name          string `json:"name"`
		AccountType   string `json:"account_type"`
		Currency      string `json:"currency"`
		AccountNumber string `json:"account_number"`
		BankID        int64  `json:"bank_id"`
		IBAN          string `json:"iban"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Currency) == "" || strings.TrimSpace(body.AccountNumber) == "" {
		writeError(w, apperr.Validation("name, currency and account_number are required"))
		return
	}

	userID := userIDFrom(r)
	ctx := r.Context()

	var ownerID int64
	if err := h.cfg.DB.QueryRowContext(ctx, `SELECT id FROM wallets WHERE id = ? AND user_id = ?`, walletID, userID).Scan(&ownerID); err != nil {
		writeError(w, apperr.NotFound("wallet %d not found", walletID))
		return
	}

	numberEnc, err := h.cfg.Security.Encrypt(body.AccountNumber)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	var ibanEnc []byte
	var ibanFingerprint sql.NullString
	if iban := strings.TrimSpace(body.IBAN); iban != "" {
		ibanEnc, err = h.cfg.Security.Encrypt(iban)
		if err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		ibanFingerprint = sql.NullString{String: security.Fingerprint(iban), Valid: true}
	}

	tx, err := h.cfg.DB.BeginTx(ctx, nil)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO deposit_accounts (wallet_id, bank_id, name, account_type, currency, account_number_enc, iban_enc, iban_fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, walletID, body.BankID, body.Name, body.AccountType, body.Currency, numberEnc, ibanEnc, ibanFingerprint)
	if err != nil {
		if isUniqueViolation(err) {
			writeError(w, apperr.Conflict("an account named %q already exists in this wallet", body.Name))
			return
		}
		writeError(w, apperr.Internal(err))
		return
	}
	accountID, err := res.LastInsertId()
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO deposit_balances (deposit_account_id, available, blocked) VALUES (?, '0.00', '0.00')`, accountID); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	var brokerageAccountID int64
	if domain.AccountType(body.AccountType) == domain.AccountBrokerage {
		bres, err := tx.ExecContext(ctx, `INSERT INTO brokerage_accounts (wallet_id, bank_id, name) VALUES (?, ?, ?)`, walletID, body.BankID, body.Name)
		if err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		brokerageAccountID, err = bres.LastInsertId()
		if err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO brokerage_deposit_links (brokerage_account_id, deposit_account_id, currency) VALUES (?, ?, ?)
		`, brokerageAccountID, accountID, body.Currency); err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
	}

	if err := tx.Commit(); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}

	resp := map[string]any{"id": accountID, "name": body.Name, "account_type": body.AccountType, "currency": body.Currency}
	if brokerageAccountID != 0 {
		resp["brokerage_account_id"] = brokerageAccountID
	}
	writeJSON(w, http.StatusCreated, resp)
}

// createBrokerageEvent records one brokerage event.
func (h *handlers) createBrokerageEvent(w http.ResponseWriter, r *http.Request) {
	var body brokerageEventRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}

	in, err := body.toInput(true)
	if err != nil {
		writeError(w, err)
		return
	}

	event, holdingResult, err := h.cfg.Brokerage.CreateEvent(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"event":   eventOutFrom(event),
		"holding": holdingOutFrom(holdingResult),
	})
}

// importBrokerageEvents bulk-imports a batch of events, each isolated in its
// own transaction.
func (h *handlers) importBrokerageEvents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BrokerageAccountID int64                   `json:"brokerage_account_id"`
		Events             []brokerageEventRequest `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}

	inputs := make([]brokerage.CreateEventInput, 0, len(body.Events))
	for _, ev := range body.Events {
		ev.BrokerageAccountID = body.BrokerageAccountID
		in, err := ev.toInput(false)
		if err != nil {
			writeError(w, err)
			return
		}
		inputs = append(inputs, in)
	}

	result, err := h.cfg.Brokerage.BulkImport(r.Context(), inputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created": result.Created,
		"failed":  result.Failed,
		"errors":  result.Errors,
	})
}

// listBrokerageEvents returns a filtered, paginated page of the calling
// user's brokerage events.
func (h *handlers) listBrokerageEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))

	filter := brokerage.EventFilter{Query: q.Get("q")}
	if id := q.Get("brokerage_account_id"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			filter.BrokerageAccountIDs = []int64{v}
		}
	}
	if k := q.Get("kind"); k != "" {
		filter.Kinds = []domain.EventKind{domain.EventKind(k)}
	}
	if c := q.Get("currency"); c != "" {
		filter.Currencies = []string{c}
	}
	if from := q.Get("date_from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filter.DateFrom = &t
		}
	}
	if to := q.Get("date_to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.DateTo = &t
		}
	}

	eventPage, err := h.cfg.Brokerage.ListEvents(r.Context(), userIDFrom(r), page, size, filter)
	if err != nil {
		writeError(w, err)
		return
	}

	items := make([]map[string]any, 0, len(eventPage.Items))
	for _, it := range eventPage.Items {
		items = append(items, map[string]any{
			"event":                eventOutFrom(it.Event),
			"brokerage_account_id": it.BrokerageAccountID,
			"instrument_symbol":    it.InstrumentSymbol,
		})
	}
	sums := map[string]string{}
	for ccy, v := range eventPage.SumByCcy {
		sums[ccy] = v.StringFixed(2)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items, "total": eventPage.Total, "page": eventPage.Page, "size": eventPage.Size, "sum_by_currency": sums,
	})
}

// batchPatchBrokerageEvents bulk-patches quantity/price/split_ratio on a set
// of events, rebuilding every affected holding.
func (h *handlers) batchPatchBrokerageEvents(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Patches []struct {
			ID         int64   `json:"id"`
			Quantity   *string `json:"quantity"`
			Price      *string `json:"price"`
			SplitRatio *string `json:"split_ratio"`
		} `json:"patches"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}

	patches := make([]brokerage.EventPatch, 0, len(body.Patches))
	for _, p := range body.Patches {
		patch := brokerage.EventPatch{ID: p.ID}
		var err error
		if patch.Quantity, err = decimalPtr(p.Quantity); err != nil {
			writeError(w, apperr.Validation("invalid quantity for event %d: %v", p.ID, err))
			return
		}
		if patch.Price, err = decimalPtr(p.Price); err != nil {
			writeError(w, apperr.Validation("invalid price for event %d: %v", p.ID, err))
			return
		}
		if patch.SplitRatio, err = decimalPtr(p.SplitRatio); err != nil {
			writeError(w, apperr.Validation("invalid split_ratio for event %d: %v", p.ID, err))
			return
		}
		patches = append(patches, patch)
	}

	updated, err := h.cfg.Brokerage.BatchPatch(r.Context(), userIDFrom(r), patches)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

// deleteBrokerageEvent deletes one event owned by the calling user and
// rebuilds the affected holding.
func (h *handlers) deleteBrokerageEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, apperr.Validation("invalid event id"))
		return
	}
	if err := h.cfg.Brokerage.DeleteEvent(r.Context(), userIDFrom(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createTransactions appends one or more ledger rows to a deposit account.
func (h *handlers) createTransactions(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DepositAccountID  int64 `json:"deposit_account_id"`
		VerifyAmountAfter bool  `json:"verify_amount_after"`
		Rows              []struct {
			Date            string  `json:"date"`
			Amount          string  `json:"amount"`
			Description     string  `json:"description"`
			Category        string  `json:"category"`
			AmountAfter     *string `json:"amount_after"`
			CapitalGainKind string  `json:"capital_gain_kind"`
		} `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}

	entries := make([]ledger.Entry, 0, len(body.Rows))
	for _, row := range body.Rows {
		date, err := time.Parse(time.RFC3339, row.Date)
		if err != nil {
			writeError(w, apperr.Validation("invalid date %q: %v", row.Date, err))
			return
		}
		amount, err := decimal.NewFromString(row.Amount)
		if err != nil {
			writeError(w, apperr.Validation("invalid amount %q: %v", row.Amount, err))
			return
		}
		entry := ledger.Entry{
			Date: date, Amount: amount, Description: row.Description, Category: row.Category,
			CapitalGainKind: domain.CapitalGainKind(row.CapitalGainKind),
		}
		if row.AmountAfter != nil {
			after, err := decimal.NewFromString(*row.AmountAfter)
			if err != nil {
				writeError(w, apperr.Validation("invalid amount_after %q: %v", *row.AmountAfter, err))
				return
			}
			entry.AmountAfter = &after
		}
		entries = append(entries, entry)
	}

	summary, err := h.cfg.Ledger.AppendMany(r.Context(), body.DepositAccountID, entries, body.VerifyAmountAfter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created":         summary.Created,
		"final_balance":   summary.FinalBalance.StringFixed(2),
		"transaction_ids": summary.TransactionIDs,
	})
}

// createMonthlySnapshot runs the snapshot engine for the calling user and
// the given month-key.
func (h *handlers) createMonthlySnapshot(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MonthKey     string            `json:"month_key"`
		CurrencyRate map[string]string `json:"currency_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(body.MonthKey) == "" {
		writeError(w, apperr.Validation("month_key is required"))
		return
	}

	fx, err := decimalMap(body.CurrencyRate)
	if err != nil {
		writeError(w, apperr.Validation("invalid currency_rate: %v", err))
		return
	}

	counts, err := h.cfg.Snapshot.CreateMonthly(r.Context(), userIDFrom(r), body.MonthKey, fx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fx_upserted":          counts.FxUpserted,
		"deposits_upserted":    counts.DepositsUpserted,
		"brokerage_upserted":   counts.BrokerageUpserted,
		"metals_upserted":      counts.MetalsUpserted,
		"real_estate_upserted": counts.RealEstateUpserted,
	})
}

// walletManagerTree builds the aggregated net-worth tree for the calling
// user. currency_rate is the live "SRC/DST" pair-rate map used to convert
// every figure into viewing_currency (defaulting to money.AnchorCurrency
// when the caller omits it).
func (h *handlers) walletManagerTree(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Months          int               `json:"months"`
		ViewingCurrency string            `json:"viewing_currency"`
		CurrencyRate    map[string]string `json:"currency_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}
	viewingCcy := body.ViewingCurrency
	if viewingCcy == "" {
		viewingCcy = money.AnchorCurrency
	}

	fx, err := decimalMap(body.CurrencyRate)
	if err != nil {
		writeError(w, apperr.Validation("invalid currency_rate: %v", err))
		return
	}

	tree, err := h.cfg.Reporting.WalletManagerTree(r.Context(), userIDFrom(r), body.Months, viewingCcy, money.RateMap(fx))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// instrumentOut is the wire shape for one instrument row on the /stock surface.
type instrumentOut struct {
	ID       int64  `json:"id"`
	Symbol   string `json:"symbol"`
	ISIN     string `json:"isin,omitempty"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	MarketID string `json:"market_id"`
	Currency string `json:"currency"`
}

type quoteOut struct {
	Symbol      string `json:"symbol"`
	LastPrice   string `json:"last_price"`
	ChangePct   string `json:"change_pct"`
	LastTradeAt string `json:"last_trade_at"`
	Provider    string `json:"provider"`
}

// latestQuote returns the latest quote for one symbol (?symbol=...), read
// directly from quote_latest: this process is both the wallet core and the
// single market-data service backing it, so reads never leave the process.
func (h *handlers) latestQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		writeError(w, apperr.Validation("symbol is required"))
		return
	}
	q, err := h.quoteBySymbol(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// latestQuoteBulk returns the latest quote for every instrument in a market
// (?market_id=...).
func (h *handlers) latestQuoteBulk(w http.ResponseWriter, r *http.Request) {
	marketID := r.URL.Query().Get("market_id")
	if marketID == "" {
		writeError(w, apperr.Validation("market_id is required"))
		return
	}

	rows, err := h.cfg.DB.QueryContext(r.Context(), `
		SELECT i.symbol, ql.last_price, ql.change_pct, ql.last_trade_at, ql.provider
		FROM quote_latest ql JOIN instruments i ON i.id = ql.instrument_id
		WHERE i.market_id = ?
		ORDER BY i.symbol
	`, marketID)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	defer rows.Close()

	quotes := []quoteOut{}
	for rows.Next() {
		var q quoteOut
		if err := rows.Scan(&q.Symbol, &q.LastPrice, &q.ChangePct, &q.LastTradeAt, &q.Provider); err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, quotes)
}

// latestQuotesBySymbols returns the latest quote for each requested symbol.
func (h *handlers) latestQuotesBySymbols(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Validation("invalid request body: %v", err))
		return
	}

	quotes := make([]quoteOut, 0, len(body.Symbols))
	for _, symbol := range body.Symbols {
		q, err := h.quoteBySymbol(r.Context(), symbol)
		if err != nil {
			continue
		}
		quotes = append(quotes, q)
	}
	writeJSON(w, http.StatusOK, quotes)
}

func (h *handlers) quoteBySymbol(ctx context.Context, symbol string) (quoteOut, error) {
	var q quoteOut
	err := h.cfg.DB.QueryRowContext(ctx, `
		SELECT i.symbol, ql.last_price, ql.change_pct, ql.last_trade_at, ql.provider
		FROM quote_latest ql JOIN instruments i ON i.id = ql.instrument_id
		WHERE i.symbol = ?
	`, symbol).Scan(&q.Symbol, &q.LastPrice, &q.ChangePct, &q.LastTradeAt, &q.Provider)
	if err == sql.ErrNoRows {
		return quoteOut{}, apperr.NotFound("no quote for symbol %q", symbol)
	}
	if err != nil {
		return quoteOut{}, apperr.Internal(err)
	}
	return q, nil
}

// instrumentOptions lists instruments for a market, for populating a
// selection dropdown (?market_id=...).
func (h *handlers) instrumentOptions(w http.ResponseWriter, r *http.Request) {
	marketID := r.URL.Query().Get("market_id")

	query := `SELECT id, symbol, COALESCE(isin, ''), full_name, type, market_id, currency FROM instruments WHERE status = 'active'`
	args := []any{}
	if marketID != "" {
		query += ` AND market_id = ?`
		args = append(args, marketID)
	}
	query += ` ORDER BY symbol`

	h.queryInstruments(w, r, query, args...)
}

// instrumentSearch searches instruments by symbol or name (?q=...).
func (h *handlers) instrumentSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, apperr.Validation("q is required"))
		return
	}
	like := "%" + q + "%"
	query := `
		SELECT id, symbol, COALESCE(isin, ''), full_name, type, market_id, currency
		FROM instruments
		WHERE symbol LIKE ? OR full_name LIKE ?
		ORDER BY symbol
		LIMIT 50
	`
	h.queryInstruments(w, r, query, like, like)
}

func (h *handlers) queryInstruments(w http.ResponseWriter, r *http.Request, query string, args ...any) {
	rows, err := h.cfg.DB.QueryContext(r.Context(), query, args...)
	if err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	defer rows.Close()

	out := []instrumentOut{}
	for rows.Next() {
		var i instrumentOut
		if err := rows.Scan(&i.ID, &i.Symbol, &i.ISIN, &i.Name, &i.Type, &i.MarketID, &i.Currency); err != nil {
			writeError(w, apperr.Internal(err))
			return
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		writeError(w, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// syncDailyCandles triggers a daily-candle backfill for one symbol against
// the external market-data service's candle endpoint.
func (h *handlers) syncDailyCandles(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var body struct {
		DateFrom     string `json:"date_from"`
		DateTo       string `json:"date_to"`
		IncludeItems bool   `json:"include_items"`
		ReturnAll    bool   `json:"return_all"`
		OverlapDays  int    `json:"overlap_days"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	result, err := h.cfg.Quotes.SyncDailyCandles(r.Context(), symbol, body.DateFrom, body.DateTo, quoteclient.SyncOptions{
		IncludeItems: body.IncludeItems,
		ReturnAll:    body.ReturnAll,
		OverlapDays:  body.OverlapDays,
	})
	if err != nil {
		writeError(w, apperr.Upstream("candle sync for %s failed: %v", symbol, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func decimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func decimalMap(in map[string]string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}

// brokerageEventRequest is the wire shape of a single brokerage event,
// shared by the single-event and bulk-import endpoints.
type brokerageEventRequest struct {
	BrokerageAccountID int64   `json:"brokerage_account_id"`
	MIC                string  `json:"mic"`
	Symbol             string  `json:"symbol"`
	Name               string  `json:"name"`
	Currency           string  `json:"currency"`
	Kind               string  `json:"kind"`
	TradeAt            string  `json:"trade_at"`
	Quantity           string  `json:"quantity"`
	Price              string  `json:"price"`
	SplitRatio         *string `json:"split_ratio"`
}

func (req brokerageEventRequest) toInput(createTransaction bool) (brokerage.CreateEventInput, error) {
	tradeAt, err := time.Parse(time.RFC3339, req.TradeAt)
	if err != nil {
		return brokerage.CreateEventInput{}, apperr.Validation("invalid trade_at %q: %v", req.TradeAt, err)
	}
	quantity, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		return brokerage.CreateEventInput{}, apperr.Validation("invalid quantity %q: %v", req.Quantity, err)
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		return brokerage.CreateEventInput{}, apperr.Validation("invalid price %q: %v", req.Price, err)
	}
	splitRatio, err := decimalPtr(req.SplitRatio)
	if err != nil {
		return brokerage.CreateEventInput{}, apperr.Validation("invalid split_ratio: %v", err)
	}

	return brokerage.CreateEventInput{
		BrokerageAccountID: req.BrokerageAccountID,
		InstrumentMIC:      req.MIC,
		InstrumentSymbol:   req.Symbol,
		InstrumentName:     req.Name,
		Currency:           req.Currency,
		Kind:               domain.EventKind(strings.ToUpper(req.Kind)),
		TradeAt:            tradeAt,
		Quantity:           quantity,
		Price:              price,
		SplitRatio:         splitRatio,
		CreateTransaction:  createTransaction,
	}, nil
}

func eventOutFrom(ev domain.BrokerageEvent) map[string]any {
	out := map[string]any{
		"id":                   ev.ID,
		"brokerage_account_id": ev.BrokerageAccountID,
		"instrument_id":        ev.InstrumentID,
		"kind":                 ev.Kind,
		"trade_at":             ev.TradeAt.Format(time.RFC3339),
		"quantity":             ev.Quantity.StringFixed(4),
		"price":                ev.Price.StringFixed(4),
		"currency":             ev.Currency,
	}
	if ev.SplitRatio != nil {
		out["split_ratio"] = ev.SplitRatio.StringFixed(4)
	}
	return out
}

func holdingOutFrom(h *domain.Holding) map[string]any {
	if h == nil {
		return nil
	}
	return map[string]any{
		"brokerage_account_id": h.BrokerageAccountID,
		"instrument_id":        h.InstrumentID,
		"quantity":             h.Quantity.StringFixed(4),
		"avg_cost":             h.AvgCost.StringFixed(4),
	}
}
