// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

// Package agent drives one honeypot node: it keeps the configured PLC
// emulators running, syncs with the control plane every five seconds
// (heartbeat, config fetch, log upload), and applies the server's commands.
package agent

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/DataDog/gridmimic/pkg/config"
	"github.com/DataDog/gridmimic/pkg/control"
	"github.com/DataDog/gridmimic/pkg/interaction"
	"github.com/DataDog/gridmimic/pkg/profile"
	"github.com/DataDog/gridmimic/pkg/util/log"
)

const (
	syncInterval    = 5 * time.Second
	uploadBatchSize = 10

	// Device starts are capped so a bad config (port in use, usually)
	// cannot busy-loop the node.
	maxStartAttempts = 3
	startCooldown    = 10 * time.Second
)

// Runner is one agent process: identity, config, devices, and the sync
// loop tying them to the control plane.
type Runner struct {
	cfgPath  string
	store    *interaction.Store
	devices  *deviceManager
	clk      clock.Clock
	ip       string
	running  *atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}
	cooldown backoff.BackOff

	// mu guards the identity and config, rewritten on adoption and on
	// server-pushed config changes.
	mu     sync.Mutex
	cfg    *config.ClientConfig
	client *control.Client

	// start-attempt state, touched only from the sync goroutine
	startAttempts int
	nextStartAt   time.Time
}

// Option customizes a Runner.
type Option func(*Runner)

// WithClock substitutes the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clk = c
	}
}

// New builds a runner around a loaded config. cfgPath is where identity and
// config rewrites are persisted.
func New(cfg *config.ClientConfig, cfgPath string, store *interaction.Store, profiles *profile.Store, opts ...Option) *Runner {
	r := &Runner{
		cfgPath:  cfgPath,
		cfg:      cfg,
		store:    store,
		clk:      clock.New(),
		ip:       localIP(),
		running:  atomic.NewBool(false),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		cooldown: backoff.NewConstantBackOff(startCooldown),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.devices = newDeviceManager(profiles, store)
	r.client = control.NewClient(cfg.ServerURL)
	return r
}

// NodeID returns the agent's current identity.
func (r *Runner) NodeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.NodeID
}

// Running reports whether any device is up.
func (r *Runner) Running() bool {
	return r.devices.Running()
}

// Start launches the sync loop. The first sync runs immediately.
func (r *Runner) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	log.Infof("agent %s starting, reporting to %s", r.NodeID(), r.serverURL())
	go r.run()
}

// Stop ends the sync loop and stops all devices.
func (r *Runner) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stopCh)
	<-r.done
	r.devices.StopAll()
	log.Infof("agent %s stopped", r.NodeID())
}

func (r *Runner) serverURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.ServerURL
}

func (r *Runner) run() {
	defer close(r.done)
	ticker := r.clk.Ticker(syncInterval)
	defer ticker.Stop()
	r.tick()
	for {
		select {
		case <-ticker.C:
			r.tick()
		case <-r.stopCh:
			return
		}
	}
}

// tick is one sync round: heartbeat, then config fetch, then log upload.
func (r *Runner) tick() {
	r.mu.Lock()
	nodeID := r.cfg.NodeID
	client := r.client
	rawCfg, err := json.Marshal(r.cfg)
	r.mu.Unlock()
	if err != nil {
		rawCfg = nil
	}

	hb := client.Heartbeat(control.HeartbeatRequest{
		NodeID: nodeID,
		IP:     r.ip,
		Name:   "Agent " + nodeID,
		Config: rawCfg,
	})
	switch hb.Directive {
	case control.DirectiveAdopted:
		r.adopt(hb.NewNodeID)
		return
	case control.DirectiveStop:
		if r.devices.Running() {
			log.Infof("received stop command, entering standby")
			r.devices.StopAll()
			r.resetStartState()
		}
	case control.DirectiveStart:
		r.maybeStart()
	case control.DirectiveUnreachable:
		if r.devices.Running() {
			log.Warnf("server unreachable, safety-stopping devices")
			r.devices.StopAll()
		}
		return
	}

	// The registration round trip leaves only an empty placeholder config
	// server-side; fetching it now would wipe the local device list before
	// the next heartbeat gives the server a chance to adopt it.
	if !hb.Registered {
		r.fetchConfig()
	}
	r.uploadLogs()
}

// adopt switches the agent to the identity the server renamed it to and
// persists it, so restarts keep the new id.
func (r *Runner) adopt(newID string) {
	r.mu.Lock()
	oldID := r.cfg.NodeID
	if newID == "" || newID == oldID {
		r.mu.Unlock()
		return
	}
	r.cfg.NodeID = newID
	err := r.cfg.Save(r.cfgPath)
	r.mu.Unlock()
	if err != nil {
		log.Errorf("persisting adopted identity: %v", err)
	}
	log.Infof("adopted by server, switching identity: %s -> %s", oldID, newID)
	r.devices.StopAll()
	r.resetStartState()
}

// maybeStart starts the configured devices unless they are already up, the
// config is empty, the attempt budget is spent, or the cooldown since the
// last failure has not elapsed.
func (r *Runner) maybeStart() {
	if r.devices.Running() {
		return
	}
	r.mu.Lock()
	plcs := r.cfg.PLCs
	r.mu.Unlock()
	if len(plcs) == 0 {
		log.Debugf("no devices configured, waiting for server config")
		return
	}
	if r.startAttempts >= maxStartAttempts {
		return
	}
	if r.clk.Now().Before(r.nextStartAt) {
		return
	}

	log.Infof("received start command, starting devices (attempt %d/%d)", r.startAttempts+1, maxStartAttempts)
	if err := r.devices.StartAll(plcs); err != nil {
		r.startAttempts++
		if r.startAttempts >= maxStartAttempts {
			log.Errorf("could not start devices after %d attempts, giving up until the config changes: %v", maxStartAttempts, err)
		} else {
			r.nextStartAt = r.clk.Now().Add(r.cooldown.NextBackOff())
			log.Warnf("could not start devices: %v (retrying in %s)", err, startCooldown)
		}
		return
	}
	r.resetStartState()

	r.mu.Lock()
	err := r.cfg.Save(r.cfgPath)
	r.mu.Unlock()
	if err != nil {
		log.Warnf("persisting config after start: %v", err)
	}
}

func (r *Runner) resetStartState() {
	r.startAttempts = 0
	r.nextStartAt = time.Time{}
	r.cooldown.Reset()
}

// fetchConfig polls the server-side config and reloads devices when its
// device list differs from the running one. The new config is installed but
// devices stay down until the next start command.
func (r *Runner) fetchConfig() {
	r.mu.Lock()
	nodeID := r.cfg.NodeID
	client := r.client
	current := config.CanonicalPLCs(r.cfg.PLCs)
	r.mu.Unlock()

	remote, err := client.FetchConfig(nodeID)
	if err != nil {
		log.Debugf("config fetch: %v", err)
		return
	}
	if config.CanonicalPLCs(remote.PLCs) == current {
		return
	}

	log.Infof("config change detected, reloading devices")
	r.devices.StopAll()
	r.mu.Lock()
	r.cfg.PLCs = remote.PLCs
	if remote.ServerURL != "" && remote.ServerURL != r.cfg.ServerURL {
		log.Infof("server url changed to %s", remote.ServerURL)
		r.cfg.ServerURL = remote.ServerURL
		r.client = control.NewClient(remote.ServerURL)
	}
	r.mu.Unlock()
	r.resetStartState()
}

// uploadLogs drains one batch of pending interactions and marks them once
// the server acknowledges the upload.
func (r *Runner) uploadLogs() {
	batch, err := r.store.PendingBatch(uploadBatchSize)
	if err != nil {
		log.Warnf("reading pending interactions: %v", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	r.mu.Lock()
	nodeID := r.cfg.NodeID
	client := r.client
	r.mu.Unlock()

	count, err := client.UploadLogs(nodeID, batch)
	if err != nil {
		log.Debugf("log upload: %v", err)
		return
	}
	ids := make([]int64, 0, len(batch))
	for _, rec := range batch {
		ids = append(ids, rec.ID)
	}
	if err := r.store.MarkUploaded(ids); err != nil {
		log.Warnf("marking %d interactions uploaded: %v", len(ids), err)
		return
	}
	log.Debugf("uploaded %d interactions", count)
}

// localIP discovers the address this host uses to reach the outside world.
// Dialing UDP sends no packet; it only picks a route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
