// Package mcpserver registers MCP tools that expose the ledger and its
// sync state. It adapts the ledger package to the MCP SDK's tool handler
// interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/importer"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/reconcile"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const defaultListLimit = 50

// Ledger is the read side of the ledger the tools use.
type Ledger interface {
	Accounts() []ledger.Account
	ResolveAccount(ref string) (ledger.Account, bool)
	Transactions(accountID string) []ledger.Transaction
	Transaction(id string) (ledger.Transaction, bool)
	Balance(accountID string) int64
	Summaries(accountID string) []reconcile.Existing
	Review() []ledger.ReviewItem
}

// StatusSource reports the orchestrator's sync state.
type StatusSource interface {
	State() syncer.State
}

// RegisterTools adds all ledger tools to the given MCP server.
func RegisterTools(server *mcp.Server, l Ledger, status StatusSource) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_sync_status",
		Description: "Report the sync state: status, dirty flag, last sync time, last error and where the ledger was loaded from.",
	}, statusHandler(status))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_list_accounts",
		Description: "List accounts with currency and current balance.",
	}, accountsHandler(l))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_list_transactions",
		Description: "List an account's most recent transactions, newest first. The account may be given by ID or name.",
	}, transactionsHandler(l))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ledger_import_preview",
		Description: "Reconcile bank statement CSV text against an account without changing the ledger. Reports which rows are exact duplicates, probable matches and new.",
	}, previewHandler(l))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// AccountsInput has no parameters.
type AccountsInput struct{}

// TransactionsInput holds parameters for ledger_list_transactions.
type TransactionsInput struct {
	Account string `json:"account" jsonschema:"required,account ID or name"`
	Limit   int    `json:"limit,omitempty" jsonschema:"maximum number of transactions, defaults to 50"`
}

// PreviewInput holds parameters for ledger_import_preview.
type PreviewInput struct {
	Account string `json:"account" jsonschema:"required,account ID or name"`
	CSV     string `json:"csv" jsonschema:"required,statement CSV text including the header row"`
	Profile string `json:"profile,omitempty" jsonschema:"YAML import profile, defaults to date,payee,amount columns"`
}

// --- Output types ---

// StatusResult is the output of ledger_sync_status.
type StatusResult struct {
	Status         string `json:"status"`
	Initialized    bool   `json:"initialized"`
	Dirty          bool   `json:"dirty"`
	AuthError      bool   `json:"auth_error"`
	Source         string `json:"source,omitempty"`
	LastSyncedAt   string `json:"last_synced_at,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
	Cycles         int    `json:"cycles"`
	RetryScheduled bool   `json:"retry_scheduled"`
}

// AccountsResult is the output of ledger_list_accounts.
type AccountsResult struct {
	Accounts []AccountView `json:"accounts"`
	Pending  int           `json:"pending_review"`
}

// AccountView is an account with its formatted balance.
type AccountView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
}

// TransactionsResult is the output of ledger_list_transactions.
type TransactionsResult struct {
	Account      string            `json:"account"`
	Total        int               `json:"total"`
	Transactions []TransactionView `json:"transactions"`
}

// TransactionView is a transaction with a display amount.
type TransactionView struct {
	ID     string `json:"id"`
	Date   string `json:"date"`
	Payee  string `json:"payee"`
	Amount string `json:"amount"`
	Minor  int64  `json:"amount_minor"`
}

// PreviewResult is the output of ledger_import_preview.
type PreviewResult struct {
	Account string            `json:"account"`
	Summary reconcile.Summary `json:"summary"`
	Rows    []PreviewRow      `json:"rows"`
}

// PreviewRow is one reconciled statement row.
type PreviewRow struct {
	Type              reconcile.MatchType `json:"type"`
	Confidence        float64             `json:"confidence"`
	Date              string              `json:"date"`
	Payee             string              `json:"payee"`
	Amount            string              `json:"amount"`
	MatchedExistingID string              `json:"matched_existing_id,omitempty"`
	PayeeDiff         string              `json:"payee_diff,omitempty"`
}

// --- Handlers ---

func statusHandler(status StatusSource) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := status.State()
		result := &StatusResult{
			Status:         string(st.Status),
			Initialized:    st.Initialized,
			Dirty:          st.Dirty,
			AuthError:      st.AuthError,
			Source:         string(st.Source),
			LastError:      st.LastError,
			KeyFingerprint: st.KeyFingerprint,
			Cycles:         st.Cycles,
			RetryScheduled: st.RetryScheduled,
		}
		if !st.LastSyncedAt.IsZero() {
			result.LastSyncedAt = st.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		return textResult(result), result, nil
	}
}

func accountsHandler(l Ledger) mcp.ToolHandlerFor[AccountsInput, *AccountsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ AccountsInput) (*mcp.CallToolResult, *AccountsResult, error) {
		result := &AccountsResult{Accounts: []AccountView{}, Pending: len(l.Review())}
		for _, a := range l.Accounts() {
			result.Accounts = append(result.Accounts, AccountView{
				ID:       a.ID,
				Name:     a.Name,
				Currency: a.Currency,
				Balance:  ledger.FormatAmount(l.Balance(a.ID), a.Currency),
			})
		}
		return textResult(result), result, nil
	}
}

func transactionsHandler(l Ledger) mcp.ToolHandlerFor[TransactionsInput, *TransactionsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input TransactionsInput) (*mcp.CallToolResult, *TransactionsResult, error) {
		account, err := resolve(l, input.Account)
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		txs := l.Transactions(account.ID)
		result := &TransactionsResult{Account: account.Name, Total: len(txs), Transactions: []TransactionView{}}

		for i := len(txs) - 1; i >= 0 && len(result.Transactions) < limit; i-- {
			tx := txs[i]
			result.Transactions = append(result.Transactions, TransactionView{
				ID:     tx.ID,
				Date:   tx.Date,
				Payee:  tx.Payee,
				Amount: ledger.FormatAmount(tx.TotalAmount, account.Currency),
				Minor:  tx.TotalAmount,
			})
		}
		return textResult(result), result, nil
	}
}

func previewHandler(l Ledger) mcp.ToolHandlerFor[PreviewInput, *PreviewResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input PreviewInput) (*mcp.CallToolResult, *PreviewResult, error) {
		account, err := resolve(l, input.Account)
		if err != nil {
			return nil, nil, err
		}

		profile := importer.DefaultProfile(account.Currency)
		if strings.TrimSpace(input.Profile) != "" {
			profile, err = importer.ParseProfile([]byte(input.Profile))
			if err != nil {
				return nil, nil, err
			}
		}

		candidates, err := importer.Parse(strings.NewReader(input.CSV), profile, account.ID)
		if err != nil {
			return nil, nil, err
		}

		matches := reconcile.Reconcile(candidates, l.Summaries(account.ID))
		result := &PreviewResult{
			Account: account.Name,
			Summary: reconcile.Summarize(matches),
			Rows:    make([]PreviewRow, 0, len(matches)),
		}

		for _, m := range matches {
			row := PreviewRow{
				Type:              m.Type,
				Confidence:        m.Confidence,
				Date:              m.Candidate.Date,
				Payee:             m.Candidate.Payee,
				Amount:            ledger.FormatAmount(m.Candidate.TotalAmount, account.Currency),
				MatchedExistingID: m.MatchedExistingID,
			}
			if m.Type == reconcile.Probable {
				if existing, ok := l.Transaction(m.MatchedExistingID); ok {
					row.PayeeDiff = importer.PayeeDiff(existing.Payee, m.Candidate.Payee)
				}
			}
			result.Rows = append(result.Rows, row)
		}
		return textResult(result), result, nil
	}
}

func resolve(l Ledger, ref string) (ledger.Account, error) {
	account, ok := l.ResolveAccount(ref)
	if !ok {
		return ledger.Account{}, fmt.Errorf("unknown account %q", ref)
	}
	return account, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
