package agent

import (
	"github.com/guseggert/tunnelexec/agent/process"
	"github.com/guseggert/tunnelexec/tunnel"
)

// monitor reclaims processes that exited since the previous step.
// Their clients stay subscribed and get a new process on their next Data message.
func (d *Dispatcher) monitor(tio tunnel.IO) error {
	return d.registry.Reap(tio, func(ids []uint16, b process.Binding, status *process.ExitStatus) {
		d.stats.Exited++
		d.log.Warnw("process attached to client has exited",
			"ClientIDs", ids,
			"BindingID", b.ID(),
			"PID", b.PID(),
			"Status", status.String(),
		)
	})
}
