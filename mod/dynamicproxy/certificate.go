package dynamicproxy

import (
	"fmt"

	"github.com/sidcorp-team/pingwall/mod/pwlog"
	"github.com/sidcorp-team/pingwall/mod/pwmetrics"
	"github.com/sidcorp-team/pingwall/mod/tlscert"
)

/*
	certificate.go

	Builds one tlscert.Manager per TLS listener from its configured
	ListenerCerts. SNI resolution fails closed: a listener with no
	default cert and no match for the requested server name aborts
	the handshake, it never falls back to a placeholder certificate.
*/

func buildCertManager(listener ListenerConfig, logger *pwlog.Logger, metrics *pwmetrics.Sink) (*tlscert.Manager, error) {
	mgr := tlscert.NewManager(logger, metrics, listener.Addr)
	for _, c := range listener.Certs {
		if err := mgr.AddCert(c.Domain, c.CertPEM, c.KeyPEM); err != nil {
			return nil, fmt.Errorf("listener %s: %w", listener.Addr, err)
		}
		if len(c.CAPEM) > 0 {
			if err := mgr.AddClientCA(c.CAPEM); err != nil {
				return nil, fmt.Errorf("listener %s: %w", listener.Addr, err)
			}
		}
	}
	return mgr, nil
}
