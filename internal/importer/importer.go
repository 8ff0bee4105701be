// Package importer turns bank CSV exports into reconciliation
// candidates.
package importer

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/alexjbarnes/ledger-sync/internal/reconcile"
	"github.com/shopspring/decimal"
)

// ParseError reports a malformed row.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

var (
	errMissingColumn = errors.New("missing column")
	errPrecision     = errors.New("amount has more decimal places than the currency allows")
)

// Parse reads a CSV export using profile p and returns one candidate per
// data row, all attributed to accountID. Blank rows are skipped.
func Parse(r io.Reader, p Profile, accountID string) ([]reconcile.Candidate, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.Comma = p.delimiter()
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	for i := 0; i < p.SkipRows; i++ {
		if _, err := cr.Read(); err != nil {
			return nil, fmt.Errorf("skipping preamble: %w", err)
		}
	}

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	idx, err := indexColumns(header, p.Columns)
	if err != nil {
		return nil, err
	}

	fraction := int32(money.GetCurrency(p.Currency).Fraction)
	seen := make(map[string]int)

	var out []reconcile.Candidate

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &ParseError{Line: pe.Line, Err: pe.Err}
			}

			return nil, fmt.Errorf("reading rows: %w", err)
		}

		line, _ := cr.FieldPos(0)

		if blank(rec) {
			continue
		}

		c, err := parseRow(rec, idx, p, fraction)
		if err != nil {
			return nil, &ParseError{Line: line, Err: err}
		}

		c.AccountID = accountID

		if bankID := idx.get(rec, "id"); bankID != "" {
			c.ImportHash = ImportHash(accountID, "id", bankID)
		} else {
			key := fmt.Sprintf("%s|%d|%s", c.Date, c.TotalAmount, strings.ToLower(c.Payee))
			n := seen[key]
			seen[key] = n + 1
			c.ImportHash = ImportHash(accountID, c.Date, strconv.FormatInt(c.TotalAmount, 10), strings.ToLower(c.Payee), strconv.Itoa(n))
		}

		out = append(out, c)
	}

	return out, nil
}

// ImportHash is a stable identity for an imported record: SHA-256 over
// the NUL-joined parts, hex encoded.
func ImportHash(parts ...string) string {
	h := sha256.New()

	for i, part := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(part))
	}

	return hex.EncodeToString(h.Sum(nil))
}

type columnIndex map[string]int

func (ci columnIndex) get(rec []string, field string) string {
	i, ok := ci[field]
	if !ok || i >= len(rec) {
		return ""
	}

	return strings.TrimSpace(rec[i])
}

func indexColumns(header []string, cols Columns) (columnIndex, error) {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(h, "\ufeff")
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}

	wanted := map[string]string{
		"date":     cols.Date,
		"payee":    cols.Payee,
		"amount":   cols.Amount,
		"debit":    cols.Debit,
		"credit":   cols.Credit,
		"memo":     cols.Memo,
		"category": cols.Category,
		"id":       cols.ID,
	}

	idx := make(columnIndex)

	for field, name := range wanted {
		if name == "" {
			continue
		}

		i, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			if field == "date" || field == "amount" {
				return nil, fmt.Errorf("%w: %q", errMissingColumn, name)
			}
			continue
		}

		idx[field] = i
	}

	_, hasDebit := idx["debit"]
	_, hasCredit := idx["credit"]
	_, hasAmount := idx["amount"]

	if !hasAmount && !hasDebit && !hasCredit {
		return nil, fmt.Errorf("%w: no amount, debit or credit column", errMissingColumn)
	}

	return idx, nil
}

func parseRow(rec []string, idx columnIndex, p Profile, fraction int32) (reconcile.Candidate, error) {
	date, err := time.Parse(p.DateFormat, idx.get(rec, "date"))
	if err != nil {
		return reconcile.Candidate{}, fmt.Errorf("parsing date: %w", err)
	}

	amount, err := rowAmount(rec, idx, p)
	if err != nil {
		return reconcile.Candidate{}, err
	}

	if p.Negate {
		amount = amount.Neg()
	}

	minor := amount.Shift(fraction)
	if !minor.Equal(minor.Truncate(0)) {
		return reconcile.Candidate{}, fmt.Errorf("%w: %s", errPrecision, amount.String())
	}

	total := minor.IntPart()

	c := reconcile.Candidate{
		Date:        date.Format("2006-01-02"),
		Payee:       idx.get(rec, "payee"),
		TotalAmount: total,
	}

	memo := idx.get(rec, "memo")
	category := idx.get(rec, "category")

	if memo != "" || category != "" {
		c.Splits = []reconcile.Split{{CategoryID: category, Amount: total, Memo: memo}}
	}

	return c, nil
}

func rowAmount(rec []string, idx columnIndex, p Profile) (decimal.Decimal, error) {
	if _, ok := idx["amount"]; ok {
		return parseDecimal(idx.get(rec, "amount"), p.DecimalComma)
	}

	var total decimal.Decimal

	if raw := idx.get(rec, "credit"); raw != "" {
		d, err := parseDecimal(raw, p.DecimalComma)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Add(d.Abs())
	}

	if raw := idx.get(rec, "debit"); raw != "" {
		d, err := parseDecimal(raw, p.DecimalComma)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Sub(d.Abs())
	}

	return total, nil
}

// parseDecimal accepts bank formatting: currency symbols, thousands
// separators, a leading plus and accounting parentheses for negatives.
func parseDecimal(raw string, decimalComma bool) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Decimal{}, errors.New("empty amount")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}

	s = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '-', r == '.', r == ',':
			return r
		default:
			return -1
		}
	}, s)

	if decimalComma {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing amount %q: %w", raw, err)
	}

	if negative {
		d = d.Neg()
	}

	return d, nil
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}

	return true
}
