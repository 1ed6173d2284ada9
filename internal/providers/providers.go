// Package providers holds the concrete router adapters wrapping each
// external client. Adapters translate the tagged task payload into a
// vendor call, normalize the response, and map credential rejections to
// the router's typed auth error so degradation can recognize them.
package providers

import (
	"sync"
)

// CreditMeter tracks a prepaid balance shared by all adapters of one
// vendor account. A nil meter means the vendor is unmetered.
type CreditMeter struct {
	mu      sync.Mutex
	balance float64
}

// NewCreditMeter creates a meter with the given starting balance in EUR.
func NewCreditMeter(balance float64) *CreditMeter {
	return &CreditMeter{balance: balance}
}

// Remaining returns the current balance. Nil receiver means unmetered and
// reports nil, which the router treats as never exhausted.
func (m *CreditMeter) Remaining() *float64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.balance
	return &b
}

// Spend deducts the cost of one successful call.
func (m *CreditMeter) Spend(cost float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance -= cost
}
