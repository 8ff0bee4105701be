// Package ledger is the local ledger store: accounts, transactions,
// payees, categories, settings and the import review queue. It keeps
// everything in memory, exports and imports whole snapshots for sync, and
// tracks unsynced mutations with a dirty generation counter.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rhymond/go-money"
	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/reconcile"
	"github.com/google/uuid"
)

// Errors returned by Store mutations.
var (
	ErrUnknownAccount  = errors.New("unknown account")
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrSplitMismatch   = errors.New("splits do not sum to the transaction total")
	ErrInvalidDate     = errors.New("invalid date")
)

// DateLayout is the layout of transaction dates.
const DateLayout = "2006-01-02"

// Account is a ledger account. Currency is an ISO 4217 code.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
}

// Transaction is a stored transaction. Amounts are minor units.
type Transaction struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Date        string            `json:"date"`
	PayeeID     string            `json:"payee_id,omitempty"`
	Payee       string            `json:"payee"`
	TotalAmount int64             `json:"total_amount"`
	Splits      []reconcile.Split `json:"splits"`
	ImportHash  string            `json:"import_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Payee is a counterparty name, deduplicated case-insensitively.
type Payee struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Category is a spending category referenced by splits.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReviewItem is an imported candidate that resembled an existing
// transaction and waits for the user to accept or reject it.
type ReviewItem struct {
	ID                string              `json:"id"`
	Candidate         reconcile.Candidate `json:"candidate"`
	MatchedExistingID string              `json:"matched_existing_id"`
	Confidence        float64             `json:"confidence"`
	QueuedAt          time.Time           `json:"queued_at"`
}

// ApplyResult counts what Apply did.
type ApplyResult struct {
	Inserted int `json:"inserted"`
	Queued   int `json:"queued"`
	Skipped  int `json:"skipped"`
}

// Store is an in-memory ledger. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]Account
	transactions map[string]Transaction
	payees       map[string]Payee
	categories   map[string]Category
	settings     map[string]string
	review       map[string]ReviewItem

	gen      uint64
	cleanGen uint64
	signal   chan struct{}

	now func() time.Time
}

// New creates an empty, clean store.
func New() *Store {
	s := &Store{
		signal: make(chan struct{}, 1),
		now:    time.Now,
	}
	s.reset()

	return s
}

func (s *Store) reset() {
	s.accounts = make(map[string]Account)
	s.transactions = make(map[string]Transaction)
	s.payees = make(map[string]Payee)
	s.categories = make(map[string]Category)
	s.settings = make(map[string]string)
	s.review = make(map[string]ReviewItem)
}

// touch records a mutation. Callers hold mu.
func (s *Store) touch() {
	s.gen++

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// --- Dirty tracking ---

// IsDirty reports whether the store has mutations not yet cleared by
// ClearDirty.
func (s *Store) IsDirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.gen != s.cleanGen
}

// DirtySignal returns a channel that receives after mutations. Signals
// coalesce; receivers must consult IsDirty.
func (s *Store) DirtySignal() <-chan struct{} {
	return s.signal
}

// Generation returns the current mutation generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.gen
}

// ClearDirty marks the store clean if no mutation happened since
// generation gen was observed. It reports whether the store was cleared.
func (s *Store) ClearDirty(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return false
	}

	s.cleanGen = s.gen

	return true
}

// MarkDirty flags the store as having unsynced content without changing
// it, e.g. after restoring from the local fallback.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch()
}

// --- Settings ---

// GetSetting returns a setting value.
func (s *Store) GetSetting(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]

	return v, ok
}

// SetSetting stores a setting. Setting the current value is a no-op.
func (s *Store) SetSetting(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.settings[key]; ok && cur == value {
		return
	}

	s.settings[key] = value
	s.touch()
}

// --- Accounts ---

// CreateAccount adds an account. The currency must be a known ISO 4217
// code.
func (s *Store) CreateAccount(name, currency string) (Account, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if money.GetCurrency(currency) == nil {
		return Account{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return Account{}, errors.New("account name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a := Account{ID: uuid.NewString(), Name: name, Currency: currency, CreatedAt: s.now().UTC()}
	s.accounts[a.ID] = a
	s.touch()

	return a, nil
}

// Account returns an account by ID.
func (s *Store) Account(id string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]

	return a, ok
}

// ResolveAccount finds an account by ID or, failing that, by
// case-insensitive name.
func (s *Store) ResolveAccount(ref string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.accounts[ref]; ok {
		return a, true
	}

	for _, a := range sortedAccounts(s.accounts) {
		if strings.EqualFold(a.Name, ref) {
			return a, true
		}
	}

	return Account{}, false
}

// Accounts returns all accounts ordered by name.
func (s *Store) Accounts() []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedAccounts(s.accounts)
}

func sortedAccounts(m map[string]Account) []Account {
	out := make([]Account, 0, len(m))
	for _, a := range m {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// --- Categories and payees ---

// AddCategory returns the category with the given name, creating it if
// needed.
func (s *Store) AddCategory(name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, errors.New("category name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.categories {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}

	c := Category{ID: uuid.NewString(), Name: name}
	s.categories[c.ID] = c
	s.touch()

	return c, nil
}

// Categories returns all categories ordered by name.
func (s *Store) Categories() []Category {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Category, 0, len(s.categories))
	for _, c := range s.categories {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Payees returns all payees ordered by name.
func (s *Store) Payees() []Payee {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Payee, 0, len(s.payees))
	for _, p := range s.payees {
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// payeeFor returns the payee ID for name, creating the payee if needed.
// Callers hold mu.
func (s *Store) payeeFor(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}

	for _, p := range s.payees {
		if strings.EqualFold(p.Name, name) {
			return p.ID
		}
	}

	p := Payee{ID: uuid.NewString(), Name: name}
	s.payees[p.ID] = p

	return p.ID
}

// --- Transactions ---

// AddTransaction validates and stores tx, assigning its ID. A
// transaction without splits gets one uncategorized split for the full
// amount.
func (s *Store) AddTransaction(tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.insertLocked(tx)
	if err != nil {
		return Transaction{}, err
	}

	s.touch()

	return tx, nil
}

func (s *Store) insertLocked(tx Transaction) (Transaction, error) {
	if _, ok := s.accounts[tx.AccountID]; !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrUnknownAccount, tx.AccountID)
	}

	if _, err := time.Parse(DateLayout, tx.Date); err != nil {
		return Transaction{}, fmt.Errorf("%w: %q", ErrInvalidDate, tx.Date)
	}

	if len(tx.Splits) == 0 {
		tx.Splits = []reconcile.Split{{Amount: tx.TotalAmount}}
	} else {
		var sum int64
		for _, sp := range tx.Splits {
			sum += sp.Amount
		}
		if sum != tx.TotalAmount {
			return Transaction{}, fmt.Errorf("%w: %d != %d", ErrSplitMismatch, sum, tx.TotalAmount)
		}
		tx.Splits = append([]reconcile.Split(nil), tx.Splits...)
	}

	tx.ID = uuid.NewString()
	tx.PayeeID = s.payeeFor(tx.Payee)
	tx.CreatedAt = s.now().UTC()
	s.transactions[tx.ID] = tx

	return tx, nil
}

// DeleteTransaction removes a transaction.
func (s *Store) DeleteTransaction(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[id]; !ok {
		return fmt.Errorf("transaction %s: %w", id, apperrors.ErrNotFound)
	}

	delete(s.transactions, id)
	s.touch()

	return nil
}

// Transactions returns an account's transactions ordered by date, then
// ID.
func (s *Store) Transactions(accountID string) []Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// Balance returns the sum of an account's transactions in minor units.
func (s *Store) Balance(accountID string) int64 {
	var total int64
	for _, tx := range s.Transactions(accountID) {
		total += tx.TotalAmount
	}

	return total
}

// Summaries projects an account's transactions for reconciliation.
func (s *Store) Summaries(accountID string) []reconcile.Existing {
	txs := s.Transactions(accountID)

	out := make([]reconcile.Existing, len(txs))
	for i, tx := range txs {
		out[i] = reconcile.Existing{
			ID:          tx.ID,
			Date:        tx.Date,
			TotalAmount: tx.TotalAmount,
			ImportHash:  tx.ImportHash,
		}
	}

	return out
}

// --- Import application and review ---

// Apply acts on reconciliation results: New candidates are inserted,
// Probable ones are queued for review and Exact ones are skipped. A
// Probable candidate whose import hash is already awaiting review is
// skipped too, so re-importing an overlapping statement does not grow
// the queue. The store is marked dirty once if anything changed.
func (s *Store) Apply(matches []reconcile.Match) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult

	queued := make(map[string]bool, len(s.review))
	for _, item := range s.review {
		if item.Candidate.ImportHash != "" {
			queued[item.Candidate.ImportHash] = true
		}
	}

	for _, m := range matches {
		switch m.Type {
		case reconcile.Exact:
			res.Skipped++
		case reconcile.Probable:
			if hash := m.Candidate.ImportHash; hash != "" {
				if queued[hash] {
					res.Skipped++
					continue
				}
				queued[hash] = true
			}

			item := ReviewItem{
				ID:                uuid.NewString(),
				Candidate:         m.Candidate,
				MatchedExistingID: m.MatchedExistingID,
				Confidence:        m.Confidence,
				QueuedAt:          s.now().UTC(),
			}
			s.review[item.ID] = item
			res.Queued++
		case reconcile.New:
			if _, err := s.insertLocked(fromCandidate(m.Candidate)); err != nil {
				if res.Inserted+res.Queued > 0 {
					s.touch()
				}
				return res, fmt.Errorf("inserting candidate %s: %w", m.Candidate.ImportHash, err)
			}
			res.Inserted++
		}
	}

	if res.Inserted+res.Queued > 0 {
		s.touch()
	}

	return res, nil
}

func fromCandidate(c reconcile.Candidate) Transaction {
	return Transaction{
		AccountID:   c.AccountID,
		Date:        c.Date,
		Payee:       c.Payee,
		TotalAmount: c.TotalAmount,
		Splits:      c.Splits,
		ImportHash:  c.ImportHash,
	}
}

// Review returns queued review items, oldest first.
func (s *Store) Review() []ReviewItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ReviewItem, 0, len(s.review))
	for _, r := range s.review {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out
}

// AcceptReview inserts the queued candidate as a new transaction.
func (s *Store) AcceptReview(id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.review[id]
	if !ok {
		return Transaction{}, fmt.Errorf("review item %s: %w", id, apperrors.ErrNotFound)
	}

	tx, err := s.insertLocked(fromCandidate(item.Candidate))
	if err != nil {
		return Transaction{}, err
	}

	delete(s.review, id)
	s.touch()

	return tx, nil
}

// RejectReview drops a queued candidate.
func (s *Store) RejectReview(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.review[id]; !ok {
		return fmt.Errorf("review item %s: %w", id, apperrors.ErrNotFound)
	}

	delete(s.review, id)
	s.touch()

	return nil
}

// Transaction returns a transaction by ID.
func (s *Store) Transaction(id string) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]

	return tx, ok
}

// FormatAmount renders minor units in the account currency, e.g.
// "-£5.00".
func FormatAmount(minor int64, currency string) string {
	if money.GetCurrency(currency) == nil {
		return fmt.Sprintf("%d %s", minor, currency)
	}

	return money.New(minor, currency).Display()
}
