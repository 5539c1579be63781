package agent

import (
	"fmt"
	"io"
	"sync/atomic"
)

// agentMetrics counts agent activity for the optional debug endpoint.
type agentMetrics struct {
	control struct {
		connects    atomic.Uint64
		reconnects  atomic.Uint64
		pingTimeout atomic.Uint64
		switches    atomic.Uint64
	}
	bridge struct {
		started  atomic.Uint64
		finished atomic.Uint64
		denied   atomic.Uint64
		capacity atomic.Uint64
	}
	probe struct {
		started atomic.Uint64
		denied  atomic.Uint64
	}
	bytes struct {
		extToInt atomic.Uint64
		intToExt atomic.Uint64
	}
}

// WritePrometheus writes prometheus text metrics to w.
func (a *Agent) WritePrometheus(w io.Writer) {
	a.metrics.WritePrometheus(w)
}

func (m *agentMetrics) WritePrometheus(w io.Writer) {
	fmt.Fprintln(w, `agent_control_count{type="connect"}`, m.control.connects.Load())
	fmt.Fprintln(w, `agent_control_count{type="reconnect"}`, m.control.reconnects.Load())
	fmt.Fprintln(w, `agent_control_count{type="ping_timeout"}`, m.control.pingTimeout.Load())
	fmt.Fprintln(w, `agent_control_count{type="switch"}`, m.control.switches.Load())
	fmt.Fprintln(w, `agent_bridge_count{type="started"}`, m.bridge.started.Load())
	fmt.Fprintln(w, `agent_bridge_count{type="finished"}`, m.bridge.finished.Load())
	fmt.Fprintln(w, `agent_bridge_count{type="denied"}`, m.bridge.denied.Load())
	fmt.Fprintln(w, `agent_bridge_count{type="at_capacity"}`, m.bridge.capacity.Load())
	fmt.Fprintln(w, `agent_probe_count{type="started"}`, m.probe.started.Load())
	fmt.Fprintln(w, `agent_probe_count{type="denied"}`, m.probe.denied.Load())
	fmt.Fprintln(w, `agent_bridge_bytes{direction="ext_to_int"}`, m.bytes.extToInt.Load())
	fmt.Fprintln(w, `agent_bridge_bytes{direction="int_to_ext"}`, m.bytes.intToExt.Load())
}
