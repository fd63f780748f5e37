package detector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/gracetech-services/jicofo-sub000/pkg/signaling"
)

// Worker is one recorder/transcriber/gateway instance advertised in a
// worker brewery room.
type Worker struct {
	JID     jid.JID
	Busy    bool
	Healthy bool
}

// WorkerDetector watches one worker brewery room and maintains the set of
// available workers. Unlike the bridge catalog this set is detector-local;
// consumers select from it on demand.
type WorkerDetector struct {
	transport signaling.Transport
	room      jid.JID
	logger    *logrus.Entry

	mutex   sync.Mutex
	workers map[string]Worker

	muc  signaling.Room
	stop chan struct{}
}

func NewWorkerDetector(transport signaling.Transport, room jid.JID) *WorkerDetector {
	return &WorkerDetector{
		transport: transport,
		room:      room,
		logger:    logrus.WithFields(logrus.Fields{"component": "worker-detector", "room": room.String()}),
		workers:   make(map[string]Worker),
		stop:      make(chan struct{}),
	}
}

func (d *WorkerDetector) Start(ctx context.Context) error {
	muc, err := d.transport.JoinMUC(ctx, d.room, "focus")
	if err != nil {
		return fmt.Errorf("worker detector: %w", err)
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

	d.logger.Info("Watching worker brewery")
	return nil
}

func (d *WorkerDetector) Stop(ctx context.Context) {
	close(d.stop)
	if d.muc != nil {
		d.muc.Leave(ctx)
	}
}

func (d *WorkerDetector) handle(ev signaling.OccupantEvent) {
	if ev.Self {
		return
	}

	address, err := bridgeAddress(ev)
	if err != nil {
		d.logger.WithError(err).WithField("nick", ev.Nick).Warn("Unusable brewery occupant")
		return
	}
	key := address.String()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch ev.Type {
	case signaling.OccupantJoined, signaling.OccupantUpdated:
		w := Worker{JID: address, Healthy: true}
		if ev.Ext.JibriReported {
			w.Busy = ev.Ext.JibriBusy
			w.Healthy = ev.Ext.JibriHealthy
		}
		if _, known := d.workers[key]; !known {
			d.logger.WithField("worker", key).Info("Worker joined")
		}
		d.workers[key] = w
	case signaling.OccupantLeft:
		if _, known := d.workers[key]; known {
			delete(d.workers, key)
			d.logger.WithField("worker", key).Info("Worker left")
		}
	}
}

// SelectIdle picks a healthy idle worker, lowest address first for
// reproducibility.
func (d *WorkerDetector) SelectIdle() (Worker, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	keys := make([]string, 0, len(d.workers))
	for key := range d.workers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		w := d.workers[key]
		if w.Healthy && !w.Busy {
			return w, true
		}
	}
	return Worker{}, false
}

// Counts reports total and idle worker counts for stats.
func (d *WorkerDetector) Counts() (total, idle int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, w := range d.workers {
		total++
		if w.Healthy && !w.Busy {
			idle++
		}
	}
	return total, idle
}
