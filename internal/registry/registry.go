// Package registry maps the companion processor's named subsystems onto the
// locks that serialize them.
//
// The firmware multiplexes the clock, power and system-configuration
// services through the optical-media command channel, so those three
// domains share the CDVD lock. Holding [Clock] therefore excludes [CDVD]
// users as well; callers must not assume a domain is exclusive to itself.
package registry

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/iolink/internal/errors"
	"github.com/Iron-Ham/iolink/internal/event"
	"github.com/Iron-Ham/iolink/internal/lock"
	"github.com/Iron-Ham/iolink/internal/logging"
)

// Domain names one shared subsystem of the companion processor.
type Domain int

// Domains, in table order.
const (
	CDVD Domain = iota
	Sound
	Pad
	MemoryCard
	Clock
	Power
	Remote
	SysConf

	numDomains
)

var domainNames = [numDomains]string{
	CDVD:       "cdvd",
	Sound:      "sound",
	Pad:        "pad",
	MemoryCard: "memorycard",
	Clock:      "clock",
	Power:      "power",
	Remote:     "remote",
	SysConf:    "sysconf",
}

// String returns the lower-case domain name.
func (d Domain) String() string {
	if d < 0 || d >= numDomains {
		return fmt.Sprintf("domain(%d)", int(d))
	}
	return domainNames[d]
}

// ParseDomain resolves a domain name, case-insensitively.
func ParseDomain(name string) (Domain, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d, dn := range domainNames {
		if dn == n {
			return Domain(d), nil
		}
	}
	return 0, errors.NewLockError("no such domain", errors.ErrUnknownDomain).WithDomain(name)
}

// lockFor maps each domain to the index of its backing lock. Domains that
// share a firmware serialization point share a lock.
var lockFor = [numDomains]Domain{
	CDVD:       CDVD,
	Sound:      Sound,
	Pad:        Pad,
	MemoryCard: MemoryCard,
	Clock:      CDVD,
	Power:      CDVD,
	Remote:     Remote,
	SysConf:    CDVD,
}

// Registry is the fixed table of domain locks. It is fully built by New and
// never changes afterwards, so lookups need no synchronization.
type Registry struct {
	locks  [numDomains]*lock.Lock
	logger *logging.Logger
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger   *logging.Logger
	bus      *event.Bus
	grantCap int
}

// WithLogger sets the logger passed to every lock.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEventBus sets the event bus passed to every lock.
func WithEventBus(bus *event.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithGrantCap sets the callback grant cap of every lock.
func WithGrantCap(n int) Option {
	return func(o *options) { o.grantCap = n }
}

// New constructs every lock of the table.
func New(opts ...Option) *Registry {
	o := options{logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Registry{logger: o.logger.WithComponent("registry")}
	lockOpts := []lock.Option{
		lock.WithLogger(o.logger.WithComponent("lock")),
		lock.WithEventBus(o.bus),
		lock.WithGrantCap(o.grantCap),
	}
	for d := range numDomains {
		owner := lockFor[d]
		if owner == d {
			r.locks[d] = lock.New(domainNames[d], lockOpts...)
		}
	}
	for d := range numDomains {
		r.locks[d] = r.locks[lockFor[d]]
	}
	return r
}

// GetLock returns the lock serializing domain. Aliased domains return the
// same *lock.Lock. It panics on a Domain outside the table.
func (r *Registry) GetLock(domain Domain) *lock.Lock {
	if domain < 0 || domain >= numDomains {
		panic(fmt.Sprintf("registry: unknown domain %d", int(domain)))
	}
	return r.locks[domain]
}

// Lookup resolves a domain name to its lock.
func (r *Registry) Lookup(name string) (*lock.Lock, error) {
	d, err := ParseDomain(name)
	if err != nil {
		return nil, err
	}
	return r.locks[d], nil
}

// Domains returns every domain in table order.
func Domains() []Domain {
	ds := make([]Domain, numDomains)
	for d := range numDomains {
		ds[d] = d
	}
	return ds
}

// AliasesOf returns the domains served by the same lock as domain,
// including domain itself, in table order.
func AliasesOf(domain Domain) []Domain {
	var out []Domain
	for d := range numDomains {
		if lockFor[d] == lockFor[domain] {
			out = append(out, d)
		}
	}
	return out
}

// Locks returns the distinct locks in table order.
func (r *Registry) Locks() []*lock.Lock {
	var out []*lock.Lock
	for d := range numDomains {
		if lockFor[d] == d {
			out = append(out, r.locks[d])
		}
	}
	return out
}

// Entry is the state of one distinct lock with the domains it serves.
type Entry struct {
	Domains []Domain
	State   lock.State
}

// Snapshot returns the state of every distinct lock.
func (r *Registry) Snapshot() []Entry {
	var out []Entry
	for d := range numDomains {
		if lockFor[d] != d {
			continue
		}
		out = append(out, Entry{
			Domains: AliasesOf(d),
			State:   r.locks[d].Snapshot(),
		})
	}
	return out
}

// ApplyDebug sets diagnostic flags from a domain-name → flag-names table.
// The key "*" applies to every lock. Flags of aliased domains are merged
// onto their shared lock; locks not named keep no flags.
func (r *Registry) ApplyDebug(table map[string][]string) error {
	want := make(map[*lock.Lock]lock.Flags)
	for _, l := range r.Locks() {
		want[l] = 0
	}

	// Deterministic order keeps the first error stable.
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		flags, err := lock.ParseFlags(table[key])
		if err != nil {
			return errors.Wrapf(err, "lock.debug.%s", key)
		}
		if key == "*" {
			for l := range want {
				want[l] |= flags
			}
			continue
		}
		l, err := r.Lookup(key)
		if err != nil {
			return err
		}
		want[l] |= flags
	}

	for l, f := range want {
		if l.DiagnosticFlags() != f {
			r.logger.Info("lock flags changed", "lock", l.Name(), "flags", f.String())
		}
		l.SetDiagnosticFlags(f)
	}
	return nil
}
