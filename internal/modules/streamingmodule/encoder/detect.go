package encoder

import (
	"os"
	"runtime"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Detector probes the host for encoder capabilities and sizing hints.
type Detector struct {
	logger hclog.Logger
}

// NewDetector creates a hardware detector.
func NewDetector(logger hclog.Logger) *Detector {
	return &Detector{logger: logger.Named("hardware-detector")}
}

// HardwareKinds returns the hardware acceleration variants available on
// this host, in preference order.
func (d *Detector) HardwareKinds() []Kind {
	var kinds []Kind

	if runtime.GOOS == "darwin" {
		kinds = append(kinds, KindVideoToolbox)
	}
	if deviceExists("/dev/nvidia0") || deviceExists("/dev/nvidiactl") {
		kinds = append(kinds, KindNVENC)
	}
	if deviceExists("/dev/dri/renderD128") {
		kinds = append(kinds, KindVAAPI)
	}

	d.logger.Info("hardware acceleration probe", "kinds", kinds)
	return kinds
}

// PoolSize derives a worker pool size from the physical core count: half
// the cores, at least two, so an encoder-heavy box still serves requests.
func (d *Detector) PoolSize() int {
	count, err := cpu.Counts(false)
	if err != nil || count <= 0 {
		count = runtime.NumCPU()
	}
	size := count / 2
	if size < 2 {
		size = 2
	}
	return size
}

// MemoryPressure reports whether available memory is too low to safely
// admit another encoding job.
func (d *Detector) MemoryPressure() bool {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return vm.UsedPercent > 95.0
}

func deviceExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
