// Package bridge tracks the population of media bridges advertised through
// the operator room and selects one per participant.
package bridge

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
)

// StressUnknown marks a bridge that has not reported its utilisation yet.
const StressUnknown = -1.0

// evictAfter is how long a non-operational bridge's record survives without
// fresh presence before it is dropped.
const evictAfter = 15 * time.Minute

// Bridge is the catalog record for a single media bridge. Records are copied
// out of the catalog; holders never share the catalog's own memory.
type Bridge struct {
	JID      jid.JID
	Version  string
	Region   string
	RelayID  string
	StatsID  string
	// Stress is the advertised utilisation in [0,1], or StressUnknown.
	Stress float64
	// Operational is cleared by MarkDown and by graceful shutdown.
	Operational      bool
	GracefulShutdown bool
	LastSeen         time.Time
}

// Usable reports whether the bridge may receive new allocations.
func (b Bridge) Usable() bool {
	return b.Operational && !b.GracefulShutdown
}

// Status is the parsed payload of one bridge presence.
type Status struct {
	Version          string
	Region           string
	RelayID          string
	StatsID          string
	Stress           float64
	GracefulShutdown bool
}

// Catalog is the process-wide bridge directory. It is mutated only by
// detector events and by explicit MarkDown calls; selectors read snapshots.
type Catalog struct {
	mutex   sync.RWMutex
	logger  *logrus.Entry
	bridges map[string]*Bridge
	// now is the clock, swappable in tests.
	now func() time.Time
}

func NewCatalog() *Catalog {
	return &Catalog{
		logger:  logrus.WithField("component", "bridge-catalog"),
		bridges: make(map[string]*Bridge),
		now:     time.Now,
	}
}

// Upsert records a fresh presence from the bridge. A new address becomes an
// operational bridge; a graceful-shutdown marker takes it out of rotation
// while keeping the record alive for its existing conferences.
func (c *Catalog) Upsert(address jid.JID, status Status) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	key := address.String()
	b, ok := c.bridges[key]
	if !ok {
		b = &Bridge{JID: address, Operational: true, Stress: StressUnknown}
		c.bridges[key] = b
		c.logger.WithFields(logrus.Fields{"bridge": key, "region": status.Region, "version": status.Version}).
			Info("New bridge")
	}

	if !b.Operational {
		c.logger.WithField("bridge", key).Info("Bridge is back")
		b.Operational = true
	}
	b.Version = status.Version
	b.Region = status.Region
	b.RelayID = status.RelayID
	b.StatsID = status.StatsID
	b.Stress = status.Stress
	b.LastSeen = c.now()
	if status.GracefulShutdown && !b.GracefulShutdown {
		c.logger.WithField("bridge", key).Info("Bridge entered graceful shutdown")
	}
	b.GracefulShutdown = status.GracefulShutdown

	c.evictLocked()
}

// MarkDown takes a bridge out of rotation: lost presence or a dead stream.
// The record stays so that a returning bridge keeps its identity; records
// that stay down past evictAfter are dropped on the next churn.
func (c *Catalog) MarkDown(address jid.JID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if b, ok := c.bridges[address.String()]; ok && b.Operational {
		b.Operational = false
		b.LastSeen = c.now()
		c.logger.WithField("bridge", address.String()).Warn("Bridge marked down")
	}
	c.evictLocked()
}

func (c *Catalog) evictLocked() {
	for key, b := range c.bridges {
		if !b.Operational && c.now().Sub(b.LastSeen) > evictAfter {
			delete(c.bridges, key)
			c.logger.WithField("bridge", key).Info("Departed bridge evicted")
		}
	}
}

// Get returns a copy of the record for the address.
func (c *Catalog) Get(address jid.JID) (Bridge, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if b, ok := c.bridges[address.String()]; ok {
		return *b, true
	}
	return Bridge{}, false
}

// Snapshot returns copies of all records, sorted by service address so that
// selection tie-breaks are reproducible.
func (c *Catalog) Snapshot() []Bridge {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]Bridge, 0, len(c.bridges))
	for _, b := range c.bridges {
		out = append(out, *b)
	}
	sortByAddress(out)
	return out
}

// OperationalCount returns how many bridges can take new allocations.
func (c *Catalog) OperationalCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	n := 0
	for _, b := range c.bridges {
		if b.Usable() {
			n++
		}
	}
	return n
}

// Count returns the total number of known bridges.
func (c *Catalog) Count() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.bridges)
}
