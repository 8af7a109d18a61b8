package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
)

// Credentials are the broker API credentials of one user account.
type Credentials struct {
	Exchange   string `json:"exchange"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase,omitempty"`
	Testnet    bool   `json:"testnet,omitempty"`
}

// Valid reports whether the credential document is usable at all.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.Exchange) != "" &&
		strings.TrimSpace(c.APIKey) != "" &&
		strings.TrimSpace(c.APISecret) != ""
}

// Fingerprint identifies a credential set without exposing the secret.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(c.Exchange)))
	h.Write([]byte{0})
	h.Write([]byte(c.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(c.APISecret))
	h.Write([]byte{0})
	h.Write([]byte(c.Passphrase))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Subscription is a user's per-strategy copy setting.
type Subscription struct {
	Multiplier decimal.Decimal `json:"multiplier"`
	Status     string          `json:"status"`
}

// UserAccount is a read-only snapshot of a subscribed user.
type UserAccount struct {
	ID               string                  `json:"id"`
	Email            string                  `json:"email"`
	Active           bool                    `json:"active"`
	MarginCurrency   string                  `json:"margin_currency"`
	AvailableBalance decimal.Decimal         `json:"available_balance"`
	UsedMargin       decimal.Decimal         `json:"used_margin"`
	Credentials      Credentials             `json:"-"`
	Subscriptions    map[string]Subscription `json:"subscriptions"`
}

// FreeMargin is available balance minus margin already in use.
func (u UserAccount) FreeMargin() decimal.Decimal {
	free := u.AvailableBalance.Sub(u.UsedMargin)
	if free.IsNegative() {
		return decimal.Zero
	}
	return free
}

// Multiplier returns the strategy multiplier, 1 when unset.
func (u UserAccount) Multiplier(strategy string) decimal.Decimal {
	sub, ok := u.Subscriptions[strategy]
	if !ok || !sub.Multiplier.IsPositive() {
		return decimal.NewFromInt(1)
	}
	return sub.Multiplier
}
