// Package detector holds the presence transducers: components that join an
// operator room and turn occupant presence into catalog or worker-set
// updates. Detectors carry no cross-component state of their own.
package detector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/gracetech-services/jicofo-sub000/pkg/bridge"
	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// BridgeDetector watches the bridge brewery room and keeps the catalog in
// sync with it.
type BridgeDetector struct {
	transport signaling.Transport
	room      jid.JID
	catalog   *bridge.Catalog
	// onDown is called when a bridge leaves the room, so conferences can
	// re-invite affected participants.
	onDown func(jid.JID)
	logger *logrus.Entry

	muc  signaling.Room
	stop chan struct{}
}

func NewBridgeDetector(transport signaling.Transport, room jid.JID, catalog *bridge.Catalog, onDown func(jid.JID)) *BridgeDetector {
	return &BridgeDetector{
		transport: transport,
		room:      room,
		catalog:   catalog,
		onDown:    onDown,
		logger:    logrus.WithFields(logrus.Fields{"component": "bridge-detector", "room": room.String()}),
		stop:      make(chan struct{}),
	}
}

// Start joins the brewery and begins translating presence into catalog
// updates.
func (d *BridgeDetector) Start(ctx context.Context) error {
	muc, err := d.transport.JoinMUC(ctx, d.room, "focus")
	if err != nil {
		return fmt.Errorf("bridge detector: %w", err)
	}
	d.muc = muc

	go func() {
		for {
			select {
			case ev, ok := <-muc.Events():
				if !ok {
					return
				}
				d.handle(ev)
			case <-d.stop:
				return
			}
		}
	}()

	d.logger.Info("Watching bridge brewery")
	return nil
}

// Stop leaves the room and ends the event pump.
func (d *BridgeDetector) Stop(ctx context.Context) {
	close(d.stop)
	if d.muc != nil {
		d.muc.Leave(ctx)
	}
}

func (d *BridgeDetector) handle(ev signaling.OccupantEvent) {
	if ev.Self {
		return
	}

	address, err := bridgeAddress(ev)
	if err != nil {
		d.logger.WithError(err).WithField("nick", ev.Nick).Warn("Unusable brewery occupant")
		return
	}

	switch ev.Type {
	case signaling.OccupantJoined, signaling.OccupantUpdated:
		stress := bridge.StressUnknown
		if ev.Ext.StressReported {
			stress = ev.Ext.Stress
		}
		d.catalog.Upsert(address, bridge.Status{
			Version:          ev.Ext.Version,
			Region:           ev.Ext.Region,
			RelayID:          ev.Ext.RelayID,
			StatsID:          ev.Ext.StatsID,
			Stress:           stress,
			GracefulShutdown: ev.Ext.GracefulShutdown,
		})
	case signaling.OccupantLeft:
		// The record stays in the catalog for a possible rejoin; only new
		// allocations stop.
		d.catalog.MarkDown(address)
		if d.onDown != nil {
			d.onDown(address)
		}
	}
}

// bridgeAddress resolves the occupant to the bridge's real address; the
// brewery is non-anonymous so the service discloses it.
func bridgeAddress(ev signaling.OccupantEvent) (jid.JID, error) {
	if ev.RealJID != "" {
		return jid.Parse(ev.RealJID)
	}
	return ev.Occupant, nil
}
