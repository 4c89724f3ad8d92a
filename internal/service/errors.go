package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// Failure kinds for a forwarding attempt. Forward wraps every error it returns
// with exactly one of these.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timed out")
	ErrUpstreamProtocol    = errors.New("upstream protocol error")
	ErrClientDisconnected  = errors.New("client disconnected")
)

// classify wraps err with its failure kind. ctx is the inbound request
// context; its cancellation takes precedence over whatever the transport saw.
func classify(ctx context.Context, err error) error {
	return fmt.Errorf("%w: %w", kindOf(ctx, err), err)
}

func kindOf(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ErrClientDisconnected
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrUpstreamTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUpstreamUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrUpstreamUnreachable
	}
	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidCert x509.CertificateInvalidError
		tlsAlertErr tls.AlertError
	)
	switch {
	case errors.As(err, &certErr),
		errors.As(err, &recordErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert),
		errors.As(err, &tlsAlertErr):
		return ErrUpstreamUnreachable
	}

	return ErrUpstreamProtocol
}
