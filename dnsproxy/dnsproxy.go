// Package dnsproxy is responsible for the DNS server exposing the relay's
// cached hostname resolution to local clients.
package dnsproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/AdguardTeam/dnsproxy/proxy"
	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"
)

// DNSProxy is a struct that manages the DNS proxy server.  Address queries
// are answered by the Resolver, the rest go upstream.
type DNSProxy struct {
	proxy    *proxy.Proxy
	resolver Resolver
	ttl      uint32
}

// type check
var _ io.Closer = (*DNSProxy)(nil)

// New creates a new instance of *DNSProxy.
func New(cfg *Config) (d *DNSProxy, err error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("dnsproxy: invalid configuration: no resolver")
	}

	proxyConfig, err := createProxyConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("dnsproxy: invalid configuration: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	d = &DNSProxy{
		proxy: &proxy.Proxy{
			Config: proxyConfig,
		},
		resolver: cfg.Resolver,
		ttl:      ttl,
	}
	d.proxy.Config.RequestHandler = d.requestHandler

	return d, nil
}

// Start starts the DNSProxy server.
func (d *DNSProxy) Start() (err error) {
	err = d.proxy.Start()
	return err
}

// Close implements the [io.Closer] interface for DNSProxy.
func (d *DNSProxy) Close() (err error) {
	err = d.proxy.Stop()
	return err
}

// requestHandler is a [proxy.RequestHandler] implementation answering A and
// AAAA questions from the resolver.
func (d *DNSProxy) requestHandler(p *proxy.Proxy, ctx *proxy.DNSContext) (err error) {
	if len(ctx.Req.Question) != 1 {
		return p.Resolve(ctx)
	}

	qName := ctx.Req.Question[0].Name
	qType := ctx.Req.Question[0].Qtype

	if qType == dns.TypeA || qType == dns.TypeAAAA {
		d.answer(qName, qType, ctx)
		return nil
	}

	return p.Resolve(ctx)
}

// answer fills ctx.Res with the resolver's addresses of the queried family.
// A failed resolution is reported as SERVFAIL, an empty family as NODATA.
func (d *DNSProxy) answer(qName string, qType uint16, ctx *proxy.DNSContext) {
	resp := &dns.Msg{}
	resp.SetReply(ctx.Req)
	resp.Compress = true

	domainName := strings.TrimSuffix(strings.ToLower(qName), ".")
	addrs, ok := d.resolver.Resolve(context.Background(), domainName)
	if !ok {
		log.Debug("dnsproxy: can't resolve %s for %v", domainName, ctx.Addr)
		resp.Rcode = dns.RcodeServerFailure
		ctx.Res = resp
		return
	}

	hdr := dns.RR_Header{
		Name:   qName,
		Rrtype: qType,
		Class:  dns.ClassINET,
		Ttl:    d.ttl,
	}

	for _, addr := range addrs {
		switch {
		case qType == dns.TypeA && addr.Is4():
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: hdr,
				A:   addr.AsSlice(),
			})
		case qType == dns.TypeAAAA && addr.Is6() && !addr.Is4In6():
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  hdr,
				AAAA: addr.AsSlice(),
			})
		}
	}

	ctx.Res = resp
}

// createProxyConfig creates DNS proxy configuration.
func createProxyConfig(cfg *Config) (proxyConfig proxy.Config, err error) {
	upstreamCfg, err := proxy.ParseUpstreamsConfig([]string{cfg.Upstream}, nil)
	if err != nil {
		return proxyConfig, fmt.Errorf("failed to parse upstream %s: %w", cfg.Upstream, err)
	}

	ip := net.IP(cfg.ListenAddr.Addr().AsSlice())

	udpPort := &net.UDPAddr{
		IP:   ip,
		Port: int(cfg.ListenAddr.Port()),
	}
	tcpPort := &net.TCPAddr{
		IP:   ip,
		Port: int(cfg.ListenAddr.Port()),
	}

	proxyConfig.UDPListenAddr = []*net.UDPAddr{udpPort}
	proxyConfig.TCPListenAddr = []*net.TCPAddr{tcpPort}
	proxyConfig.UpstreamConfig = upstreamCfg

	return proxyConfig, nil
}
