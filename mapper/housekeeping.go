package mapper

// housekeep runs the periodic maintenance pass driven by the actor
// loop's heartbeat ticker (spec §4.4 poll(), §4.6 item 5, §4.3 Sweep).
// It renews subscriptions nearing expiry, sweeps fully-dereferenced
// id-map rows, expires staged maps that never reached Ready, and prunes
// devices whose synced time has gone stale.
func (d *LocalDevice) housekeep() {
	for _, lease := range d.graph.renewDue() {
		d.sendBus(subscribeMessage(lease.Addr, lease.TypeMask))
	}

	d.registry.Sweep()

	for _, m := range d.graph.Maps() {
		if m.Status == MapStaged {
			m.stagedTicks++
			if m.stagedTicks > stagedMapExpiryTicks {
				m.Status = MapExpired
			}
		}
	}

	d.graph.PruneStale(d.clock.Now())
}

// stagedMapExpiryTicks matches spec §4.8: "ack has not arrived within
// ~4 housekeeping ticks".
const stagedMapExpiryTicks = 4
