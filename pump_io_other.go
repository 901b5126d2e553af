//go:build !linux && !darwin

package runloop

type poller struct {
	fdTable
}

func (p *poller) init() error                          { return ErrIOPumpUnsupported }
func (p *poller) close() error                         { return nil }
func (p *poller) register(fd int, info fdInfo) error   { return ErrIOPumpUnsupported }
func (p *poller) unregister(fd int) error              { return ErrIOPumpUnsupported }
func (p *poller) modify(fd int, events IOEvents) error { return ErrIOPumpUnsupported }
func (p *poller) poll(timeoutMs int) (int, error)      { return 0, ErrIOPumpUnsupported }

func createWakeFd() (int, int, error) { return -1, -1, ErrIOPumpUnsupported }

func closeFD(fd int) error { return nil }

func (p *IOPump) signalWakeUp() error { return ErrIOPumpUnsupported }

func (p *IOPump) drainWakeFd() {}
