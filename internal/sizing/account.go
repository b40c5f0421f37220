package sizing

import "sync"

// Account tracks balance, exposure, and open-position counts. It is
// the single serialization point shared by the sizer (on approval) and
// the lifecycle manager (on close), so concurrent approvals cannot
// race past the exposure ceiling.
type Account struct {
	mu               sync.Mutex
	id               string
	balanceUSD       float64
	exposureUSD      float64
	openTotal        int
	openByInstrument map[string]int
}

type AccountSnapshot struct {
	ID               string
	BalanceUSD       float64
	ExposureUSD      float64
	OpenPositions    int
	OpenByInstrument map[string]int
}

func NewAccount(id string, balanceUSD float64) *Account {
	return &Account{
		id:               id,
		balanceUSD:       balanceUSD,
		openByInstrument: make(map[string]int),
	}
}

func (a *Account) Snapshot() AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	byInstrument := make(map[string]int, len(a.openByInstrument))
	for instrument, n := range a.openByInstrument {
		byInstrument[instrument] = n
	}
	return AccountSnapshot{
		ID:               a.id,
		BalanceUSD:       a.balanceUSD,
		ExposureUSD:      a.exposureUSD,
		OpenPositions:    a.openTotal,
		OpenByInstrument: byInstrument,
	}
}

// Restore re-applies a resumed position's reservation without limit
// checks. Used when reloading persisted positions after a restart.
func (a *Account) Restore(instrument string, notionalUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exposureUSD += notionalUSD
	a.openTotal++
	a.openByInstrument[instrument]++
}

// Release returns a closed position's exposure to the budget and
// applies its realized PnL to the balance.
func (a *Account) Release(instrument string, notionalUSD, realizedPnlUSD float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exposureUSD -= notionalUSD
	if a.exposureUSD < 0 {
		a.exposureUSD = 0
	}
	a.balanceUSD += realizedPnlUSD
	if a.openTotal > 0 {
		a.openTotal--
	}
	if n := a.openByInstrument[instrument]; n > 1 {
		a.openByInstrument[instrument] = n - 1
	} else {
		delete(a.openByInstrument, instrument)
	}
}
