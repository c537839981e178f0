package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"coinvest/internal/models"
	"coinvest/internal/money"

	"github.com/shopspring/decimal"
)

const defaultPageLimit = 50

var errInvalidID = errors.New("invalid id")

// amountReason turns a money parse error into the reason sent to clients.
func amountReason(err error) string {
	if errors.Is(err, money.ErrTooManyDecimals) {
		return "too_many_decimals"
	}
	return "invalid_amount"
}

func parsePositiveAmount(raw string) (decimal.Decimal, error) {
	return money.ParsePositive(raw)
}

// parseSignedAmount accepts any non-zero amount.
func parseSignedAmount(raw string) (decimal.Decimal, error) {
	amount, err := money.ParseAmount(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsZero() {
		return decimal.Zero, money.ErrInvalidAmount
	}
	return amount, nil
}

func parseEntryID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

func parseInt(raw string, fallback int) int {
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

// parsePage reads page (1-based) and limit from the query string.
func parsePage(query url.Values) (limit, offset int) {
	limit = parseInt(query.Get("limit"), defaultPageLimit)
	page := parseInt(query.Get("page"), 1)
	return limit, (page - 1) * limit
}

func validStatus(status string) bool {
	switch status {
	case "", models.StatusPending, models.StatusApproved, models.StatusRejected:
		return true
	}
	return false
}

func validType(entryType string) bool {
	switch entryType {
	case "", models.TypeDeposit, models.TypeWithdrawal, models.TypeAdjustment:
		return true
	}
	return false
}

// decodeOptional decodes a JSON body that may be empty.
func decodeOptional(r *http.Request, dest any) error {
	err := json.NewDecoder(r.Body).Decode(dest)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
