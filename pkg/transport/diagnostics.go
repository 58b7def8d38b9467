package transport

// Diagnostics is a snapshot of TX/RX error counters and derived totals
// (spec.md §3, "CAN diagnostics record").
type Diagnostics struct {
	TxErrorCounter       uint32
	RxErrorCounter       uint32
	BusOff               bool
	Retransmissions      uint64
	Collisions           uint64
	TransmissionAttempts uint64
}

// Latency is a snapshot of the TX-task latency accumulator (spec.md §3,
// "latency metrics"). Updates happen only in the TX task, guarded by a
// dedicated mutex distinct from the config mutex (spec.md §5).
type Latency struct {
	Count   uint64
	TotalUs uint64
	MinUs   uint64
	MaxUs   uint64
}

// Mean returns the average latency in microseconds, or 0 if no samples.
func (l Latency) Mean() float64 {
	if l.Count == 0 {
		return 0
	}
	return float64(l.TotalUs) / float64(l.Count)
}
