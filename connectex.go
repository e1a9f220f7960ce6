package tpio

import (
	"net"

	"github.com/reactorpool/tpio/internal/connectex"
)

// Re-exported so application code can build a connect-with-retry run
// (C5) without importing internal/connectex directly.
type (
	ConnectExFlag     = connectex.Flag
	ConnectExParams   = connectex.Params
	ConnectExResult   = connectex.Result
	ConnectExCallback = connectex.Callback
	ConnectExTask     = connectex.Task
)

const (
	ConnectExRoundRobin      = connectex.FlagRoundRobin
	ConnectExInitialDelay    = connectex.FlagInitialDelay
	ConnectExCBAfterEveryTry = connectex.FlagCBAfterEveryTry
)

var (
	ErrConnectExInvalidParams = connectex.ErrInvalidParams
	ErrConnectExExhausted     = connectex.ErrExhausted
	ErrConnectExDeadline      = connectex.ErrDeadline
)

// DefaultConnectExParams returns sane defaults for a connect-with-retry run
// against the given addresses (bounded single-try-per-address round robin,
// 10s per-attempt timeout, no overall deadline).
func DefaultConnectExParams(addresses []*net.TCPAddr) ConnectExParams {
	return connectex.DefaultParams(addresses)
}

// CreateConnectEx builds a connect-with-retry Task bound to w. Call Start
// on the returned task to begin the state machine; cb is delivered the
// terminal result (and, if ConnectExCBAfterEveryTry is set, every failed
// attempt too).
func (p *Pool) CreateConnectEx(w *Worker, params ConnectExParams, cb ConnectExCallback, udata any) (*ConnectExTask, error) {
	return connectex.New(w.internal(), params, cb, udata)
}
