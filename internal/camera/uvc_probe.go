package camera

import (
	"context"
	"strings"
)

// probeResult はデバイスノードを調べた結果
type probeResult struct {
	Name    string
	Capture bool // カラーのキャプチャフォーマット (MJPG/YUYV) を持つ
}

// prober はデバイスノードを調べる
type prober func(ctx context.Context, devPath string) (probeResult, error)

// v4l2ctlProber は v4l2-ctl の出力からデバイスを調べる
func v4l2ctlProber(run commandRunner) prober {
	return func(ctx context.Context, devPath string) (probeResult, error) {
		info, err := run(ctx, "v4l2-ctl", "--device", devPath, "--info")
		if err != nil {
			return probeResult{}, err
		}
		formats, err := run(ctx, "v4l2-ctl", "--device", devPath, "--list-formats-ext")
		if err != nil {
			return probeResult{}, err
		}
		return probeResult{
			Name:    parseCardType(string(info)),
			Capture: hasColorFormat(string(formats)),
		}, nil
	}
}

// hasColorFormat はグレースケール専用 (IRカメラ等) のノードを除外する
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}
