package classify

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-webhook-ledger/core"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Signal is the structured view of an error that rules match against.
type Signal struct {
	Message    string
	HTTPStatus int
	TextCode   string
	Category   goerrors.Category
	Timeout    bool
	Canceled   bool
	Errno      syscall.Errno
	SQLState   string
	SQLiteCode sqlite3.ErrNo
	Signature  bool
}

type statusCoder interface {
	StatusCode() int
}

var textStatusPattern = regexp.MustCompile(`\b([45]\d\d)\b`)

// Extract reduces err to a Signal. Typed values found in the chain take
// precedence over anything parsed from the message text.
func Extract(err error) Signal {
	if err == nil {
		return Signal{}
	}
	sig := Signal{Message: strings.ToLower(err.Error())}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr != nil {
		sig.Category = richErr.Category
		sig.TextCode = strings.ToUpper(strings.TrimSpace(richErr.TextCode))
		if richErr.Code >= 400 && richErr.Code < 500 {
			sig.HTTPStatus = richErr.Code
		}
		if sig.TextCode == core.ErrorCodeInvalidSignature {
			sig.Signature = true
		}
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr != nil && stripeErr.HTTPStatusCode > 0 {
		sig.HTTPStatus = stripeErr.HTTPStatusCode
	}

	var coder statusCoder
	if sig.HTTPStatus == 0 && errors.As(err, &coder) && coder.StatusCode() > 0 {
		sig.HTTPStatus = coder.StatusCode()
	}

	switch {
	case errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, core.ErrInvalidSignature):
		sig.Signature = true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		sig.Timeout = true
	}
	if errors.Is(err, context.Canceled) {
		sig.Canceled = true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		sig.Timeout = true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		sig.Errno = errno
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr != nil {
		sig.SQLState = string(pqErr.Code)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		sig.SQLiteCode = sqliteErr.Code
	}

	if sig.HTTPStatus == 0 {
		if match := textStatusPattern.FindStringSubmatch(sig.Message); len(match) == 2 {
			if status, convErr := strconv.Atoi(match[1]); convErr == nil {
				sig.HTTPStatus = status
			}
		}
	}
	return sig
}

func (s Signal) contains(patterns ...string) bool {
	for _, pattern := range patterns {
		if strings.Contains(s.Message, pattern) {
			return true
		}
	}
	return false
}

func (s Signal) networkErrno() bool {
	switch s.Errno {
	case syscall.ETIMEDOUT, syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
		syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.EPIPE:
		return true
	}
	return false
}

func (s Signal) transientSQLState() bool {
	switch s.SQLState {
	case "40P01", "40001", "53300", "55P03", "57014":
		return true
	}
	return strings.HasPrefix(s.SQLState, "08")
}

func (s Signal) transientSQLite() bool {
	return s.SQLiteCode == sqlite3.ErrBusy || s.SQLiteCode == sqlite3.ErrLocked
}
