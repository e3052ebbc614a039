package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	aglog "github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Snawoot/hostrelay/dnscache"
	"github.com/Snawoot/hostrelay/dnsproxy"
	"github.com/Snawoot/hostrelay/metrics"
	"github.com/Snawoot/hostrelay/relay"
	"github.com/Snawoot/hostrelay/resolver"
)

const (
	ProgName = "hostrelay"
)

var (
	version = "undefined"

	showVersion        = flag.Bool("version", false, "show program version and exit")
	verbose            = flag.Bool("verbose", false, "enable debug logging")
	listenAddress      = flag.String("listen", "127.0.0.1:8080", "relay bind address")
	target             = flag.String("target", "", "relay target in host:port form")
	proto              = flag.String("proto", "tcp", "relayed protocol: tcp, udp or both")
	dialTimeout        = flag.Duration("dial-timeout", relay.DefaultDialTimeout, "target dial timeout")
	dialShuffle        = flag.Bool("dial-shuffle", false, "try resolved target addresses in random order")
	dnsCacheSize       = flag.Int("dns-cache-size", dnscache.DefaultCapacity, "number of hostnames kept in DNS cache")
	dnsWorkers         = flag.Int("dns-workers", dnscache.DefaultWorkers, "number of DNS cache population workers")
	dnsUpstream        = flag.String("dns-upstream", "", "upstream DNS server (system resolver if empty)")
	dnsTimeout         = flag.Duration("dns-timeout", resolver.DefaultUpstreamTimeout, "upstream DNS query timeout")
	dnsBindAddress     = flag.String("dns-bind-address", "", "DNS service bind address (disabled if empty)")
	dnsProxyUpstream   = flag.String("dns-proxy-upstream", "1.1.1.1", "upstream for DNS service queries other than A/AAAA")
	metricsBindAddress = flag.String("metrics-bind-address", "", "Prometheus metrics bind address (disabled if empty)")
)

func run() int {
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	if *verbose {
		aglog.SetLevel(aglog.DEBUG)
	}

	if *target == "" {
		log.Fatalf("-target is required")
	}

	parsedListenAddress, err := netip.ParseAddrPort(*listenAddress)
	if err != nil {
		log.Fatalf("can't parse relay bind address: %v", err)
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Printf("shutdown error: %v", err)
			}
		}
	}()

	lookup := resolver.System(nil)
	if *dnsUpstream != "" {
		ups, err := resolver.NewUpstream(&resolver.UpstreamConfig{
			Address: *dnsUpstream,
			Timeout: *dnsTimeout,
		})
		if err != nil {
			log.Fatalf("unable to instantiate upstream resolver: %v", err)
		}
		closers = append(closers, ups)
		lookup = ups.Lookup
	}

	cache, err := dnscache.WithCapacity(*dnsCacheSize, &dnscache.Config{
		Workers: *dnsWorkers,
		Lookup:  lookup,
	})
	if err != nil {
		log.Fatalf("unable to instantiate DNS cache: %v", err)
	}
	closers = append(closers, cache)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *metricsBindAddress != "" {
		srv := startMetrics(*metricsBindAddress, cache)
		closers = append(closers, srv)
	}

	if *dnsBindAddress != "" {
		parsedDNSBindAddress, err := netip.ParseAddrPort(*dnsBindAddress)
		if err != nil {
			log.Fatalf("can't parse DNS bind address: %v", err)
		}

		log.Println("Starting DNS server...")
		dnsProxy, err := dnsproxy.New(&dnsproxy.Config{
			ListenAddr: parsedDNSBindAddress,
			Upstream:   *dnsProxyUpstream,
			Resolver:   cache,
		})
		if err != nil {
			log.Fatalf("unable to instantiate DNS server: %v", err)
		}
		if err := dnsProxy.Start(); err != nil {
			log.Fatalf("Unable to start DNS server: %v", err)
		}
		closers = append(closers, dnsProxy)
		log.Println("DNS server started.")
	}

	relayCfg := relay.Config{
		ListenAddr:  parsedListenAddress,
		Target:      *target,
		DialTimeout: *dialTimeout,
		Dialer: dnscache.NewDialer(cache, &dnscache.DialerConfig{
			Shuffle: *dialShuffle,
		}),
	}

	relayProto := strings.ToLower(*proto)
	switch relayProto {
	case "tcp", "udp", "both":
	default:
		log.Fatalf("unknown protocol %q", *proto)
	}

	if relayProto == "tcp" || relayProto == "both" {
		log.Println("Starting TCP relay...")
		tcpProxy, err := relay.NewTCPProxy(ctx, &relayCfg)
		if err != nil {
			log.Fatalf("unable to start TCP relay: %v", err)
		}
		closers = append(closers, tcpProxy)
		log.Printf("TCP relay %s => %s started.", tcpProxy.Addr(), *target)
	}

	if relayProto == "udp" || relayProto == "both" {
		log.Println("Starting UDP relay...")
		udpProxy, err := relay.NewUDPProxy(ctx, &relayCfg)
		if err != nil {
			log.Fatalf("unable to start UDP relay: %v", err)
		}
		go udpProxy.Run()
		closers = append(closers, udpProxy)
		log.Printf("UDP relay %s => %s started.", udpProxy.Addr(), *target)
	}

	// Subscribe to the OS events.
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel

	st := cache.Stats()
	log.Printf("Shutting down. DNS cache matched: %d, missed: %d.", st.Matched, st.Missed)

	return 0
}

type metricsServer struct {
	srv *http.Server
}

func startMetrics(addr string, cache *dnscache.CachedDNS) *metricsServer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCacheCollector(cache))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	s := &metricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server failed: %v", err)
		}
	}()
	log.Printf("Metrics are served at http://%s/metrics", addr)

	return s
}

func (s *metricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func main() {
	log.Default().SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	log.Default().SetPrefix(strings.ToUpper(ProgName) + ": ")
	log.SetOutput(os.Stderr)
	os.Exit(run())
}
