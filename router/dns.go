package router

import (
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

var dnsClient = &dns.Client{Timeout: 2 * time.Second}

// hostAddrs is the cached answer for "server|host".
type hostAddrs struct {
	IPs []string
}

func (h *hostAddrs) Fulfill(key string) error {
	server, host, _ := strings.Cut(key, "|")
	fqdn := dns.Fqdn(host)

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		req := new(dns.Msg)
		req.SetQuestion(fqdn, qtype)

		resp, _, err := dnsClient.Exchange(req, server)
		if err != nil {
			lastErr = errors.Wrapf(err, "query %s %s", dns.TypeToString[qtype], host)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = errors.Errorf("query %s %s: %s", dns.TypeToString[qtype], host, dns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				h.IPs = append(h.IPs, rr.A.String())
			case *dns.AAAA:
				h.IPs = append(h.IPs, rr.AAAA.String())
			}
		}
	}

	if len(h.IPs) == 0 {
		if lastErr == nil {
			lastErr = errors.Errorf("no address for %s", host)
		}
		return lastErr
	}
	return nil
}
