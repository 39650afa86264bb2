// Package msgparse extracts structured payment fields from free-text payment
// messages (SMS, chat forwards). The output is a ready-to-score request
// skeleton; screening the resulting transaction is the caller's job.
package msgparse

import (
	"regexp"
	"strconv"
	"strings"
)

// Extraction is the structured view of one payment message.
type Extraction struct {
	PayeeVPA        string  `json:"payee_vpa"`
	MobileNumber    string  `json:"mobile_number"`
	Amount          float64 `json:"amount"`
	HasAmount       bool    `json:"has_amount"`
	TransactionType string  `json:"transaction_type"`
	Message         string  `json:"message"`
}

// Valid reports whether enough was extracted to score: a payee and an amount.
func (e *Extraction) Valid() bool {
	return e.PayeeVPA != "" && e.HasAmount
}

var (
	reVPA = regexp.MustCompile(`\b[a-zA-Z0-9._-]{2,}@[a-zA-Z][a-zA-Z0-9]{1,}\b`)
	// amount variants: ₹8,000 / Rs. 8000 / INR 8000.50 / rs8000
	reAmount = regexp.MustCompile(`(?i)(?:₹|rs\.?\s?|inr\s?)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	reMobile = regexp.MustCompile(`\b[6-9][0-9]{9}\b`)
)

var collectCues = []string{"collect request", "payment request", "has requested", "requesting", "approve the request"}

// Parser extracts payment fields. Patterns compile once at package
// initialisation.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

// Extract pulls payee, amount, phone, and flow type out of a message.
// Missing fields default (type "pay", zero amount) rather than erroring.
func (p *Parser) Extract(message string) Extraction {
	out := Extraction{
		Message:         message,
		TransactionType: "pay",
	}

	if m := reVPA.FindString(message); m != "" {
		out.PayeeVPA = strings.ToLower(m)
	}
	if m := reMobile.FindString(message); m != "" {
		out.MobileNumber = m
	}
	if m := reAmount.FindStringSubmatch(message); len(m) == 2 {
		raw := strings.ReplaceAll(m[1], ",", "")
		if amt, err := strconv.ParseFloat(raw, 64); err == nil {
			out.Amount = amt
			out.HasAmount = true
		}
	}

	lower := strings.ToLower(message)
	for _, cue := range collectCues {
		if strings.Contains(lower, cue) {
			out.TransactionType = "collect"
			break
		}
	}
	if strings.Contains(lower, "scan") && strings.Contains(lower, "qr") {
		out.TransactionType = "qr_pay"
	}
	return out
}
