package importer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/Rhymond/go-money"
	"gopkg.in/yaml.v3"
)

// Columns maps ledger fields to CSV header names. Either Amount or at
// least one of Debit and Credit is required.
type Columns struct {
	Date     string `yaml:"date"`
	Payee    string `yaml:"payee"`
	Amount   string `yaml:"amount"`
	Debit    string `yaml:"debit"`
	Credit   string `yaml:"credit"`
	Memo     string `yaml:"memo"`
	Category string `yaml:"category"`
	// ID is the bank's own transaction identifier, when exported.
	ID string `yaml:"id"`
}

// Profile describes one bank's CSV export.
type Profile struct {
	Name         string  `yaml:"name"`
	Columns      Columns `yaml:"columns"`
	DateFormat   string  `yaml:"date_format"`
	Currency     string  `yaml:"currency"`
	SkipRows     int     `yaml:"skip_rows"`
	Negate       bool    `yaml:"negate"`
	Delimiter    string  `yaml:"delimiter"`
	DecimalComma bool    `yaml:"decimal_comma"`
}

// DefaultProfile reads a plain "date,payee,amount" export with ISO dates.
func DefaultProfile(currency string) Profile {
	p := Profile{
		Name:     "default",
		Columns:  Columns{Date: "date", Payee: "payee", Amount: "amount", Memo: "memo", ID: "id"},
		Currency: currency,
	}
	p.applyDefaults()

	return p
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("reading profile: %w", err)
	}

	return ParseProfile(data)
}

// ParseProfile decodes and validates a YAML profile. Unknown keys are
// rejected so typos do not silently drop columns.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("decoding profile: %w", err)
	}

	p.applyDefaults()

	if err := p.Validate(); err != nil {
		return Profile{}, err
	}

	return p, nil
}

func (p *Profile) applyDefaults() {
	if p.DateFormat == "" {
		p.DateFormat = "2006-01-02"
	}

	if p.Delimiter == "" {
		p.Delimiter = ","
	}

	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
}

// Validate checks that the profile can parse rows.
func (p Profile) Validate() error {
	var errs []error

	if p.Columns.Date == "" {
		errs = append(errs, errors.New("columns.date is required"))
	}

	if p.Columns.Amount == "" && p.Columns.Debit == "" && p.Columns.Credit == "" {
		errs = append(errs, errors.New("columns.amount or columns.debit/credit is required"))
	}

	if money.GetCurrency(p.Currency) == nil {
		errs = append(errs, fmt.Errorf("unknown currency %q", p.Currency))
	}

	if p.SkipRows < 0 {
		errs = append(errs, errors.New("skip_rows must not be negative"))
	}

	if utf8.RuneCountInString(p.Delimiter) != 1 {
		errs = append(errs, fmt.Errorf("delimiter must be a single character, got %q", p.Delimiter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid profile %q: %w", p.Name, errors.Join(errs...))
	}

	return nil
}

func (p Profile) delimiter() rune {
	r, _ := utf8.DecodeRuneInString(p.Delimiter)
	return r
}
