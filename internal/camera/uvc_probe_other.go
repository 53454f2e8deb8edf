//go:build !linux

package camera

func platformProber(run commandRunner) prober {
	return v4l2ctlProber(run)
}
