// Package focus is the process-wide conference directory. It owns the map
// of live conferences, routes negotiation IQs to them, answers conference
// requests and exposes aggregate health and statistics for the admin layer.
package focus

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/gracetech-services/jicofo-sub000/pkg/bridge"
	"github.com/gracetech-services/jicofo-sub000/pkg/conference"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// Manager is the registry of running conferences, keyed by bare room
// address.
type Manager struct {
	transport signaling.Transport
	catalog   *bridge.Catalog
	config    conference.Config
	logger    *logrus.Entry

	mutex       sync.Mutex
	conferences map[string]*conference.Conference
	workerPools map[string]WorkerCounter

	health    healthState
	startedAt time.Time
}

func NewManager(transport signaling.Transport, catalog *bridge.Catalog, config conference.Config) *Manager {
	m := &Manager{
		transport:   transport,
		catalog:     catalog,
		config:      config,
		logger:      logrus.WithField("component", "focus"),
		conferences: make(map[string]*conference.Conference),
		startedAt:   time.Now(),
	}
	m.registerHandlers()
	return m
}

// GetOrCreate returns the conference for the room, starting a fresh one when
// none is running.
func (m *Manager) GetOrCreate(ctx context.Context, room jid.JID) (*conference.Conference, error) {
	key := room.Bare().String()

	m.mutex.Lock()
	if c, ok := m.conferences[key]; ok {
		m.mutex.Unlock()
		return c, nil
	}
	c := conference.New(room, m.config, m.transport, m.catalog, m.conferenceEnded)
	m.conferences[key] = c
	m.mutex.Unlock()

	if err := c.Start(ctx); err != nil {
		m.mutex.Lock()
		delete(m.conferences, key)
		m.mutex.Unlock()
		return nil, err
	}
	m.logger.WithField("room", key).Info("Conference created")
	return c, nil
}

// Get returns the running conference for the room, if any.
func (m *Manager) Get(room jid.JID) *conference.Conference {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.conferences[room.Bare().String()]
}

// Destroy stops the conference for the room. Returns false when none runs.
func (m *Manager) Destroy(room jid.JID, reason string) bool {
	c := m.Get(room)
	if c == nil {
		return false
	}
	c.Stop(reason)
	return true
}

// EndAll stops every conference; used for drains and reconnects.
func (m *Manager) EndAll(reason string) {
	for _, c := range m.snapshot() {
		c.Stop(reason)
	}
}

// Drain stops all conferences and waits for them to finish, bounded by the
// context.
func (m *Manager) Drain(ctx context.Context, reason string) {
	m.EndAll(reason)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.Count() == 0 {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			m.logger.WithField("remaining", m.Count()).Warn("Drain grace period expired")
			return
		}
	}
}

// Count is the number of live conferences.
func (m *Manager) Count() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.conferences)
}

// NotifyBridgeDown fans a lost bridge out to every conference.
func (m *Manager) NotifyBridgeDown(address jid.JID) {
	for _, c := range m.snapshot() {
		c.NotifyBridgeDown(address)
	}
}

func (m *Manager) snapshot() []*conference.Conference {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	out := make([]*conference.Conference, 0, len(m.conferences))
	for _, c := range m.conferences {
		out = append(out, c)
	}
	return out
}

// conferenceEnded is the terminal-state callback from a conference loop.
func (m *Manager) conferenceEnded(room jid.JID, reason string) {
	m.mutex.Lock()
	delete(m.conferences, room.Bare().String())
	m.mutex.Unlock()
	m.logger.WithFields(logrus.Fields{"room": room.String(), "reason": reason}).
		Info("Conference removed")
}
