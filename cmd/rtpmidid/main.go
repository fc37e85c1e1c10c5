// Command rtpmidid runs the RTP-MIDI session daemon: a server peer table
// listening on a chosen port pair, optionally a client dialing out to one
// or more remote peers, service-discovery announcement, and a Prometheus
// metrics endpoint -- wired together under one suture supervisor tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"
	_ "go.uber.org/automaxprocs"

	"github.com/davidmoreno/rtpmidid-sub001/logger"
	"github.com/davidmoreno/rtpmidid-sub001/mdns"
	"github.com/davidmoreno/rtpmidid-sub001/metrics"
	"github.com/davidmoreno/rtpmidid-sub001/poller"
	"github.com/davidmoreno/rtpmidid-sub001/rtpclient"
	"github.com/davidmoreno/rtpmidid-sub001/rtppeer"
	"github.com/davidmoreno/rtpmidid-sub001/rtpserver"
)

func main() {
	name := flag.String("name", "rtpmidid", "AppleMIDI session name advertised to peers")
	port := flag.Int("port", 5004, "control port to bind (MIDI port is this + 1)")
	connect := flag.String("connect", "", "comma-separated host:port list of remote peers to dial")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address")
	logLevel := flag.String("log-level", os.Getenv("RTPMIDID_LOG_LEVEL"), "debug|info|warning|error or 0-3")
	mdnsGroup := flag.String("mdns-group", "239.255.250.10:21027", "multicast group used to announce and discover peers; empty disables it")
	flag.Parse()

	if *logLevel != "" {
		lvl, err := logger.ParseLevel(*logLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger.Default.SetLevel(lvl)
	}

	reg := metrics.New()

	sup := suture.NewSimple("rtpmidid")

	p := poller.New()
	sup.Add(pollerService{p})

	srv, err := rtpserver.New(p, *name, *port)
	if err != nil {
		logger.Default.Errorf("rtpmidid: %v", err)
		os.Exit(1)
	}
	srv.Metrics = reg
	srv.ConnectedEvent.Connect(func(peer *rtppeer.Peer) {
		logger.Default.Infof("rtpmidid: peer %q connected from %s", peer.RemoteName, peer.RemoteAddress)
	})
	logger.Default.Infof("rtpmidid: listening on control=%d midi=%d", srv.Port(), srv.Port()+1)

	var bridge *mdns.Bridge
	if *mdnsGroup != "" {
		responder, err := mdns.NewMulticastResponder(*mdnsGroup)
		if err != nil {
			logger.Default.Warnf("rtpmidid: mdns: %v, running without discovery", err)
			bridge = mdns.New(nil)
		} else {
			bridge = mdns.New(responder)
			responder.Bind(bridge)
			bridge.DiscoverEvent.Connect(func(d mdns.Discovery) {
				logger.Default.Infof("rtpmidid: discovered %q at %s:%d", d.Name, d.Address, d.Port)
			})
		}
	} else {
		bridge = mdns.New(nil)
	}
	if err := bridge.AnnounceRTPMIDI(*name, srv.Port()); err != nil {
		logger.Default.Warnf("rtpmidid: mdns announce: %v", err)
	}
	if err := bridge.Browse(); err != nil {
		logger.Default.Warnf("rtpmidid: mdns browse: %v", err)
	}

	for _, target := range splitNonEmpty(*connect, ",") {
		host, portStr, err := splitHostPort(target)
		if err != nil {
			logger.Default.Errorf("rtpmidid: --connect %q: %v", target, err)
			continue
		}
		c := rtpclient.New(p, *name)
		c.Metrics = reg
		c.AddCandidate(host, portStr)
		dialed := target
		c.StatusChangeEvent.Connect(func(s rtppeer.Status) {
			logger.Default.Infof("rtpmidid: %s status -> %v", dialed, s)
		})
		c.Start()
		logger.Default.Infof("rtpmidid: dialing %s", target)
	}

	if *metricsAddr != "" {
		sup.Add(httpService{addr: *metricsAddr, registry: reg})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := sup.ServeBackground(ctx)

	<-ctx.Done()
	logger.Default.Infof("rtpmidid: shutting down")
	srv.Shutdown()
	p.Stop()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Default.Errorf("rtpmidid: supervisor exited: %v", err)
		}
	case <-time.After(2 * time.Second):
	}
}

// pollerService adapts poller.Poller (whose Run blocks until stopped) to
// suture.Service.
type pollerService struct {
	p *poller.Poller
}

func (s pollerService) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.p.Run()
		close(done)
	}()
	select {
	case <-ctx.Done():
		s.p.Stop()
		<-done
		return ctx.Err()
	case <-done:
		return nil
	}
}

// httpService exposes the Prometheus registry over HTTP until ctx is
// cancelled.
type httpService struct {
	addr     string
	registry *metrics.Registry
}

func (s httpService) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected host:port")
	}
	host, portStr := hostport[:idx], hostport[idx+1:]
	if _, err := strconv.Atoi(portStr); err != nil {
		return "", "", fmt.Errorf("invalid port %q", portStr)
	}
	return host, portStr, nil
}
