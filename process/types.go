package process

// Info is what the recorder knows about a faulting process.
type Info struct {
	PID         uint32
	Comm        string
	ExePath     string
	CmdLine     string
	ContainerID string // if process is containerized
}

// InfoResolver looks up process details by pid.
type InfoResolver interface {
	Resolve(pid uint32) (*Info, bool)
}
