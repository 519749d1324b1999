package dbconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// FailureReason classifies why a single endpoint could not be reached.
type FailureReason string

const (
	ReasonDNS     FailureReason = "dns"
	ReasonAuth    FailureReason = "auth"
	ReasonTimeout FailureReason = "timeout"
	ReasonOther   FailureReason = "other"
)

// Attempt records one failed connection attempt.
type Attempt struct {
	Endpoint Endpoint
	Reason   FailureReason
	Err      error
}

func (a Attempt) String() string {
	return fmt.Sprintf("%s (%s): %s: %v", a.Endpoint.Label, a.Endpoint.Addr(), a.Reason, a.Err)
}

// ConnectFailure is returned when every candidate endpoint for an environment
// has been tried and failed. It enumerates each attempt so operators can see
// exactly what was tried and why it failed.
type ConnectFailure struct {
	EnvName  string
	Purpose  string
	Attempts []Attempt
}

func (f *ConnectFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no reachable endpoint for environment %q (%s), tried %d candidate(s)", f.EnvName, f.Purpose, len(f.Attempts))
	for _, a := range f.Attempts {
		b.WriteString("; ")
		b.WriteString(a.String())
	}
	return b.String()
}

// classifyConnectErr maps a connection error to a FailureReason.
func classifyConnectErr(err error) FailureReason {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonDNS
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 28: invalid authorization specification.
		if strings.HasPrefix(pgErr.Code, "28") {
			return ReasonAuth
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	// The pooler reports bad tenant credentials as plain protocol errors.
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "password authentication failed") || strings.Contains(msg, "tenant or user not found") {
		return ReasonAuth
	}
	return ReasonOther
}
