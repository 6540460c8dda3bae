//go:build !linux

package platform

// NewBPFMonitor reports ErrUnsupported outside Linux. Use NewSimulatedMonitor
// to run the pipeline without a kernel probe.
func NewBPFMonitor(cfg MonitorConfig) (FaultMonitor, error) {
	return nil, ErrUnsupported
}
