package services

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"coinvest/internal/money"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// CurrencyPolicy holds the withdrawal rules and deposit address for one currency.
type CurrencyPolicy struct {
	Currency          string          `json:"currency"`
	MinimumWithdrawal decimal.Decimal `json:"minimum_withdrawal"`
	Fee               decimal.Decimal `json:"fee"`
	DepositAddress    string          `json:"deposit_address"`
}

// AdmitWithdrawal checks the minimum first, then that amount plus fee fits
// in balance.
func (p CurrencyPolicy) AdmitWithdrawal(amount, balance decimal.Decimal) error {
	return admitWithdrawal(p.MinimumWithdrawal, p.Fee, amount, balance)
}

func admitWithdrawal(minimum, fee, amount, balance decimal.Decimal) error {
	if amount.LessThan(minimum) {
		return ErrBelowMinimum
	}
	if amount.Add(fee).GreaterThan(balance) {
		return ErrInsufficientBalance
	}
	return nil
}

// PolicyTable is immutable once built; readers get copies.
type PolicyTable struct {
	byCurrency map[string]CurrencyPolicy
}

func DefaultPolicies() PolicyTable {
	return newPolicyTable([]CurrencyPolicy{
		{
			Currency:          "BTC",
			MinimumWithdrawal: decimal.RequireFromString("0.001"),
			Fee:               decimal.RequireFromString("0.0005"),
			DepositAddress:    "bc1qxy2kgdygjrsqtzq2n0yrf2493p83kkfjhx0wlh",
		},
		{
			Currency:          "ETH",
			MinimumWithdrawal: decimal.RequireFromString("0.01"),
			Fee:               decimal.RequireFromString("0.005"),
			DepositAddress:    "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		},
		{
			Currency:          "USDT",
			MinimumWithdrawal: decimal.NewFromInt(10),
			Fee:               decimal.NewFromInt(5),
			DepositAddress:    "TJYeasTPa6gpEEiNGJgLFzKMhTmMHXmCpk",
		},
	})
}

func newPolicyTable(policies []CurrencyPolicy) PolicyTable {
	table := PolicyTable{byCurrency: make(map[string]CurrencyPolicy, len(policies))}
	for _, policy := range policies {
		table.byCurrency[policy.Currency] = policy
	}
	return table
}

type policyFile struct {
	Currencies []struct {
		Currency          string `yaml:"currency"`
		MinimumWithdrawal string `yaml:"minimum_withdrawal"`
		Fee               string `yaml:"fee"`
		DepositAddress    string `yaml:"deposit_address"`
	} `yaml:"currencies"`
}

// LoadPolicies returns the defaults when path is empty. Otherwise the file
// replaces the whole table.
func LoadPolicies(path string) (PolicyTable, error) {
	if path == "" {
		return DefaultPolicies(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return PolicyTable{}, fmt.Errorf("read currency policy: %w", err)
	}
	return ParsePolicies(raw)
}

func ParsePolicies(raw []byte) (PolicyTable, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return PolicyTable{}, fmt.Errorf("parse currency policy: %w", err)
	}
	if len(file.Currencies) == 0 {
		return PolicyTable{}, fmt.Errorf("currency policy: no currencies defined")
	}
	policies := make([]CurrencyPolicy, 0, len(file.Currencies))
	seen := make(map[string]bool, len(file.Currencies))
	for _, entry := range file.Currencies {
		currency := normalizeCurrency(entry.Currency)
		if currency == "" {
			return PolicyTable{}, fmt.Errorf("currency policy: empty currency code")
		}
		if seen[currency] {
			return PolicyTable{}, fmt.Errorf("currency policy: %s defined twice", currency)
		}
		seen[currency] = true
		minimum, err := money.ParseAmount(entry.MinimumWithdrawal)
		if err != nil || minimum.IsNegative() {
			return PolicyTable{}, fmt.Errorf("currency policy: %s minimum_withdrawal %q invalid", currency, entry.MinimumWithdrawal)
		}
		fee, err := money.ParseAmount(entry.Fee)
		if err != nil || fee.IsNegative() {
			return PolicyTable{}, fmt.Errorf("currency policy: %s fee %q invalid", currency, entry.Fee)
		}
		policies = append(policies, CurrencyPolicy{
			Currency:          currency,
			MinimumWithdrawal: minimum,
			Fee:               fee,
			DepositAddress:    strings.TrimSpace(entry.DepositAddress),
		})
	}
	return newPolicyTable(policies), nil
}

func (t PolicyTable) Lookup(currency string) (CurrencyPolicy, bool) {
	policy, ok := t.byCurrency[normalizeCurrency(currency)]
	return policy, ok
}

// All returns the policies sorted by currency code.
func (t PolicyTable) All() []CurrencyPolicy {
	policies := make([]CurrencyPolicy, 0, len(t.byCurrency))
	for _, policy := range t.byCurrency {
		policies = append(policies, policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Currency < policies[j].Currency })
	return policies
}

func (t PolicyTable) Currencies() []string {
	policies := t.All()
	currencies := make([]string, len(policies))
	for i, policy := range policies {
		currencies[i] = policy.Currency
	}
	return currencies
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
