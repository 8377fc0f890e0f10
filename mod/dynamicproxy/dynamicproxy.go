package dynamicproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sidcorp-team/pingwall/mod/dynamicproxy/dpcore"
	"github.com/sidcorp-team/pingwall/mod/tlscert"
)

/*
	dynamicproxy.go

	Router lifecycle: builds one http.Server per configured listener,
	one tlscert.Manager per TLS listener, and the shared Limiter and
	Notifier every ProxyHandler dispatches through.
*/

// Router is the top-level object holding the resolved route table and
// its running listeners.
type Router struct {
	Option *RouterOption

	routes  *RouteIndex
	limiter *Limiter

	notifier *Notifier

	certManagers map[string]*tlscert.Manager // ListenerConfig.Addr -> manager, TLS listeners only
	proxyCores   map[string]*dpcore.ReverseProxy

	mu      sync.Mutex
	servers []*http.Server
	running bool
}

// NewDynamicProxy builds a Router from a fully resolved route table and
// its listener set. It does not start listening; call StartProxyService.
func NewDynamicProxy(option RouterOption, routes []RouteEntry, globalDefault *RouteEntry) (*Router, error) {
	notifier := NewNotifier(option.BlockURL, option.APIKey, option.QueueCapacity, option.Metrics, option.Logger)
	limiter := NewLimiter(option.SweepInterval, notifier, option.Metrics, option.Logger)

	router := &Router{
		Option:       &option,
		routes:       NewRouteIndex(routes, globalDefault),
		limiter:      limiter,
		notifier:     notifier,
		certManagers: make(map[string]*tlscert.Manager),
		proxyCores:   make(map[string]*dpcore.ReverseProxy),
	}

	for _, listener := range option.Listeners {
		if !listener.TLS {
			continue
		}
		mgr, err := buildCertManager(listener, option.Logger, option.Metrics)
		if err != nil {
			return nil, err
		}
		router.certManagers[listener.Addr] = mgr
	}

	for i := range routes {
		r := &routes[i]
		if !r.HasUpstream() {
			continue
		}
		router.proxyCores[r.ID] = buildProxyCore(r)
	}

	return router, nil
}

func buildProxyCore(route *RouteEntry) *dpcore.ReverseProxy {
	target := &url.URL{
		Scheme: route.Upstream.Scheme,
		Host:   route.Upstream.Host + ":" + strconv.Itoa(route.Upstream.Port),
	}
	core := dpcore.NewDynamicProxyCore(target, &dpcore.DpcoreOptions{})
	if route.Policy.TimeoutSecs > 0 {
		core.Timeout = time.Duration(route.Policy.TimeoutSecs) * time.Second
		core.Transport.(*http.Transport).ResponseHeaderTimeout = core.Timeout
	}
	return core
}

// StartProxyService binds every configured listener synchronously and,
// only once every socket is bound, begins serving them in the
// background. A bind failure on any listener aborts the whole call
// and closes whatever sockets were already opened, so the caller can
// treat a nil error as "every listener is actually accepting
// connections" per spec.
func (router *Router) StartProxyService() error {
	router.mu.Lock()
	defer router.mu.Unlock()
	if router.running {
		return errors.New("dynamicproxy: router already running")
	}

	var listeners []net.Listener
	var servers []*http.Server

	for _, listener := range router.Option.Listeners {
		handler := &ProxyHandler{Parent: router, ListenerAddr: listener.Addr, ListenerTLS: listener.TLS}
		srv := &http.Server{
			Addr:    listener.Addr,
			Handler: handler,
		}

		ln, err := net.Listen("tcp", listener.Addr)
		if err != nil {
			for _, opened := range listeners {
				opened.Close()
			}
			return fmt.Errorf("dynamicproxy: binding listener %s: %w", listener.Addr, err)
		}

		if listener.TLS {
			mgr := router.certManagers[listener.Addr]
			tlsConfig := &tls.Config{
				GetCertificate: mgr.GetCert,
			}
			if pool := mgr.ClientCAPool(); pool != nil {
				tlsConfig.ClientCAs = pool
				if mgr.RequireClientCert() {
					tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
				}
			}
			srv.TLSConfig = tlsConfig
			ln = tls.NewListener(ln, tlsConfig)
		}

		listeners = append(listeners, ln)
		servers = append(servers, srv)
	}

	router.servers = servers

	for i, srv := range servers {
		srv := srv
		ln := listeners[i]
		addr := router.Option.Listeners[i].Addr
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				if router.Option.Logger != nil {
					router.Option.Logger.PrintAndLog("proxy", "listener "+addr+" stopped", err)
				}
			}
		}()
	}

	router.running = true
	return nil
}

// StopProxyService gracefully drains every listener, then stops the
// limiter sweep and notifier worker.
func (router *Router) StopProxyService(ctx context.Context) error {
	router.mu.Lock()
	defer router.mu.Unlock()
	if !router.running {
		return errors.New("dynamicproxy: router not running")
	}

	var firstErr error
	for _, srv := range router.servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	router.servers = nil
	router.running = false

	router.limiter.Close()
	router.notifier.Close()

	return firstErr
}
