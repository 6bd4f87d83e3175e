package forwarding

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/powerpuffpenguin/muxf/config"
	"github.com/powerpuffpenguin/muxf/forwarder"
	"github.com/powerpuffpenguin/muxf/internal/httpmux"
	"github.com/powerpuffpenguin/muxf/internal/network"
	"github.com/powerpuffpenguin/muxf/ipmatch"
	"github.com/powerpuffpenguin/muxf/mux"
	"github.com/powerpuffpenguin/muxf/pool"
	"github.com/powerpuffpenguin/muxf/resolver"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

type Application struct {
	forwarders []*forwarder.Forwarder
	geoip      *geoip2.Reader
	api        *http.Server
	apiL       net.Listener
	pool       *pool.Pool
	log        *slog.Logger
}

func NewApplication(conf *config.Config) (app *Application, e error) {
	return newApplication(newLogger(&conf.Logger), conf)
}
func newApplication(log *slog.Logger, conf *config.Config) (app *Application, e error) {
	if len(conf.Forward) == 0 {
		e = errors.New(`forward must not be empty`)
		log.Error(`forward must not be empty`)
		return
	}
	var (
		r          resolver.Resolver
		forwarders = make([]*forwarder.Forwarder, 0, len(conf.Forward))
		f          *forwarder.Forwarder
		buffers    = pool.New(conf.Pool.Size, conf.Pool.Cache)
		nk         = network.New()
	)
	r, e = newResolver(log, &conf.Resolver)
	if e != nil {
		return
	}
	a := &Application{
		pool: buffers,
		log:  log,
	}
	var ipOpts []ipmatch.Option
	if conf.GeoIP != `` {
		a.geoip, e = geoip2.Open(conf.GeoIP)
		if e != nil {
			log.Error(`open geoip fail`, `geoip`, conf.GeoIP, `error`, e)
			return
		}
		ipOpts = append(ipOpts, ipmatch.WithGeoIP(a.geoip))
		log.Info(`geoip`, `db`, conf.GeoIP)
	}
	closeAll := func() {
		for _, f := range forwarders {
			f.Close()
		}
		if a.geoip != nil {
			a.geoip.Close()
		}
	}
	for _, opts := range conf.Forward {
		nw := `tcp`
		if !opts.TCP && opts.UDP {
			nw = `udp`
		}
		var plugin *mux.Multiplexer
		plugin, e = mux.New(opts.Rules, opts.Allow,
			mux.WithResolver(r),
			mux.WithNetwork(nw),
			mux.WithIPMatch(ipOpts...),
		)
		if e != nil {
			log.Error(`compile rules fail`, `forward`, opts.Tag, `error`, e)
			closeAll()
			return
		} else if plugin.Len() == 0 {
			log.Warn(`no rules, every connection will be rejected`, `forward`, opts.Tag)
		}
		f, e = forwarder.New(nk, log, buffers, plugin, opts)
		if e != nil {
			closeAll()
			return
		}
		forwarders = append(forwarders, f)
	}
	a.forwarders = forwarders
	if conf.API.Addr != `` {
		e = a.newAPI(nk, &conf.API)
		if e != nil {
			closeAll()
			return
		}
	}
	app = a
	return
}
func newResolver(log *slog.Logger, conf *config.Resolver) (r resolver.Resolver, e error) {
	if len(conf.Servers) == 0 {
		r = resolver.System()
		return
	}
	var timeout time.Duration
	if conf.Timeout == `` {
		timeout = time.Second * 2
	} else {
		var err error
		timeout, err = time.ParseDuration(conf.Timeout)
		if err != nil {
			timeout = time.Second * 2
			log.Warn(`parse duration fail, used default resolver timeout duration.`,
				`error`, err,
				`timeout`, conf.Timeout,
				`default`, timeout,
			)
		}
	}
	d, e := resolver.NewDNS(conf.Servers, timeout)
	if e != nil {
		log.Error(`new resolver fail`, `error`, e)
		return
	}
	log.Info(`new resolver`, `servers`, d.Servers(), `timeout`, timeout)
	r = d
	return
}
func (a *Application) newAPI(nk *network.Network, conf *config.API) (e error) {
	l, e := nk.Listen(`tcp`, conf.Addr)
	if e != nil {
		a.log.Error(`new api listener fail`, `error`, e)
		return
	}
	log := a.log.With(`api`, l.Addr().String())
	router := httpmux.New(log)
	for _, api := range a.apiHandlers() {
		router.Get(api.Path, api.Handler)
	}
	var http2Server http2.Server
	a.api = &http.Server{
		Handler:           h2c.NewHandler(router, &http2Server),
		ReadHeaderTimeout: time.Second * 10,
	}
	e = http2.ConfigureServer(a.api, &http2Server)
	if e != nil {
		l.Close()
		log.Error(`configure h2c server fail`, `error`, e)
		return
	}
	a.apiL = l
	log.Info(`new api listener`)
	return
}

// Forwarders returns the forward sessions in configuration order.
func (a *Application) Forwarders() []*forwarder.Forwarder {
	return a.forwarders
}

func (a *Application) Serve() {
	if a.api != nil {
		go func() {
			e := a.api.Serve(a.apiL)
			if e != nil && !errors.Is(e, http.ErrServerClosed) {
				a.log.Warn(`api serve fail`, `error`, e)
			}
		}()
	}
	serve(a.forwarders)
}

func (a *Application) Close() (e error) {
	if a.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		a.api.Shutdown(ctx)
		cancel()
		a.apiL.Close()
	}
	for _, f := range a.forwarders {
		f.Close()
	}
	if a.geoip != nil {
		e = a.geoip.Close()
	}
	return
}

type iserve interface {
	Serve() error
}

func serveWait(wait *sync.WaitGroup, item iserve) {
	defer wait.Done()
	item.Serve()
}
func serve[T iserve](items []T) {
	n := len(items)
	switch n {
	case 0:
	case 1:
		items[0].Serve()
	case 2:
		done := make(chan struct{})
		go func() {
			defer close(done)
			items[0].Serve()
		}()
		items[1].Serve()
		<-done
	default:
		var wait sync.WaitGroup
		n--
		for i := 0; i < n; i++ {
			wait.Add(1)
			go serveWait(&wait, items[i])
		}
		items[n].Serve()
		wait.Wait()
	}
}
