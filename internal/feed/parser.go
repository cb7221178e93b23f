package feed

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"kas-watch/internal/domain"
)

// Field names as they appear in feed messages.
const (
	FieldTicker      = "Ticker"
	FieldKRC20Amount = "KRC20 Amount"
	FieldKASAmount   = "KAS Amount"
)

var (
	// ErrMissingField is returned when a required field line is absent.
	ErrMissingField = errors.New("missing field")
	// ErrInvalidField is returned when a field is present but unusable.
	ErrInvalidField = errors.New("invalid field")
)

// FieldError names the field a parse failure refers to.
// It wraps ErrMissingField or ErrInvalidField.
type FieldError struct {
	Field string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Fields are the transaction values carried by a message body.
type Fields struct {
	Ticker      string
	KRC20Amount float64
	KASAmount   float64
}

var fieldPatterns = map[string]*regexp.Regexp{
	FieldTicker:      regexp.MustCompile(`(?m)Ticker:[ \t]*([^\r\n]*)`),
	FieldKRC20Amount: regexp.MustCompile(`(?m)KRC20 Amount:[ \t]*([^\r\n]*)`),
	FieldKASAmount:   regexp.MustCompile(`(?m)KAS Amount:[ \t]*([^\r\n]*)`),
}

// Parse extracts the required fields from a message body such as:
//
//	🔹 Ticker: PEPE
//	📊 KRC20 Amount: 476,574
//	💰 KAS Amount: 115
//
// "Price per unit" and "Contract Address" lines are ignored.
func Parse(text string) (Fields, error) {
	var f Fields

	ticker, err := field(text, FieldTicker)
	if err != nil {
		return Fields{}, err
	}
	if utf8.RuneCountInString(ticker) > domain.MaxTickerLength || strings.ContainsAny(ticker, " \t") {
		return Fields{}, &FieldError{Field: FieldTicker, Value: ticker, Err: ErrInvalidField}
	}
	f.Ticker = ticker

	if f.KRC20Amount, err = amount(text, FieldKRC20Amount); err != nil {
		return Fields{}, err
	}
	if f.KASAmount, err = amount(text, FieldKASAmount); err != nil {
		return Fields{}, err
	}
	return f, nil
}

func field(text, name string) (string, error) {
	m := fieldPatterns[name].FindStringSubmatch(text)
	if m == nil {
		return "", &FieldError{Field: name, Err: ErrMissingField}
	}
	v := strings.TrimSpace(m[1])
	if v == "" {
		return "", &FieldError{Field: name, Err: ErrMissingField}
	}
	return v, nil
}

func amount(text, name string) (float64, error) {
	raw, err := field(text, name)
	if err != nil {
		return 0, err
	}
	cleaned := strings.ReplaceAll(raw, ",", "")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, &FieldError{Field: name, Value: raw, Err: ErrInvalidField}
	}
	return v, nil
}
