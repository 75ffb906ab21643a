// Package mdns tracks the adb services advertised on the local network
// and resolves *.local names for tcp: connects.
package mdns

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/1ureka/adbhost/internal/looper"
	"github.com/1ureka/adbhost/internal/socketspec"
	"github.com/1ureka/adbhost/internal/util"
)

// Service types adb devices advertise.
const (
	TypeAdb        = "_adb._tcp"
	TypeTLSConnect = "_adb-tls-connect._tcp"
	TypeTLSPairing = "_adb-tls-pairing._tcp"
)

// ServiceTypes lists every type the browser asks for.
var ServiceTypes = []string{TypeAdb, TypeTLSConnect, TypeTLSPairing}

// DefaultTTL is how long a service stays listed without being seen again.
const DefaultTTL = 2 * time.Minute

// Service is one advertised adb endpoint.
type Service struct {
	Instance string
	Type     string
	Host     string
	Port     int
}

// Name is "instance.type", the serial the device is connected under.
func (s Service) Name() string { return s.Instance + "." + s.Type }

// Address is host:port.
func (s Service) Address() string { return socketspec.FormatNetAddress(s.Host, s.Port) }

// Registry holds the discovered services until their TTL runs out.
// Watchers run on the looper.
type Registry struct {
	looper *looper.Looper
	cache  *cache.Cache

	watchers    map[int]func()
	nextWatcher int
}

// NewRegistry creates a registry whose entries expire after ttl.
func NewRegistry(l *looper.Looper, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		looper:   l,
		cache:    cache.New(ttl, ttl/4),
		watchers: map[int]func(){},
	}
	r.cache.OnEvicted(func(key string, _ interface{}) {
		util.Tracef(util.TraceMdns, "mdns service %s expired", key)
		r.notify()
	})
	return r
}

// Add records s, refreshing its TTL. It reports whether s was not
// listed before, or moved to a new address.
func (r *Registry) Add(s Service) bool {
	key := s.Name()
	old, found := r.cache.Get(key)
	r.cache.SetDefault(key, s)
	if found && old.(Service) == s {
		return false
	}
	util.Tracef(util.TraceMdns, "mdns service %s at %s", key, s.Address())
	r.notify()
	return true
}

// Remove drops the service, as on a goodbye packet.
func (r *Registry) Remove(instance, typ string) {
	key := instance + "." + typ
	if _, found := r.cache.Get(key); found {
		// OnEvicted notifies.
		r.cache.Delete(key)
	}
}

// Services returns the live services sorted by name.
func (r *Registry) Services() []Service {
	items := r.cache.Items()
	list := make([]Service, 0, len(items))
	for _, it := range items {
		list = append(list, it.Object.(Service))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// Lookup finds a service by "instance.type", with or without ".local".
func (r *Registry) Lookup(name string) (Service, bool) {
	name = strings.TrimSuffix(strings.TrimSuffix(name, "."), ".local")
	v, found := r.cache.Get(name)
	if !found {
		return Service{}, false
	}
	return v.(Service), true
}

// Check answers mdns:check.
func (r *Registry) Check() string {
	return "mdns daemon version [pion/mdns v2]"
}

// ServicesText answers mdns:services and feeds track-mdns-services: one
// "instance\ttype\thost:port" line per service.
func (r *Registry) ServicesText() string {
	var b strings.Builder
	for _, s := range r.Services() {
		fmt.Fprintf(&b, "%s\t%s\t%s\n", s.Instance, s.Type, s.Address())
	}
	return b.String()
}

// Watch registers fn to run after every change. Looper only.
func (r *Registry) Watch(fn func()) (remove func()) {
	r.looper.CheckLooper()
	id := r.nextWatcher
	r.nextWatcher++
	r.watchers[id] = fn
	return func() { delete(r.watchers, id) }
}

func (r *Registry) notify() {
	r.looper.Post(func() {
		for _, fn := range r.watchers {
			fn()
		}
	})
}

// ParseAutoConnect parses ADB_MDNS_AUTO_CONNECT: a comma separated list
// of service names without the leading underscore and "._tcp", "0" for
// none or "1" for all. Empty means adb-tls-connect only.
func ParseAutoConnect(v string) map[string]bool {
	allowed := map[string]bool{}
	switch v {
	case "":
		allowed[TypeTLSConnect] = true
	case "0":
	case "1":
		for _, t := range ServiceTypes {
			allowed[t] = true
		}
	default:
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			for _, t := range ServiceTypes {
				if t == "_"+name+"._tcp" {
					allowed[t] = true
				}
			}
		}
	}
	return allowed
}
