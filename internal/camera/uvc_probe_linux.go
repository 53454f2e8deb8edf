//go:build linux

package camera

import (
	"context"

	"github.com/blackjack/webcam"
)

// fourcc はV4L2のピクセルフォーマットコードを作る
func fourcc(s string) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

var (
	pixMJPG = fourcc("MJPG")
	pixYUYV = fourcc("YUYV")
)

// platformProber はV4L2のioctlで直接デバイスを調べ、
// 名前が取れない場合だけ v4l2-ctl にフォールバックする
func platformProber(run commandRunner) prober {
	fallback := v4l2ctlProber(run)

	return func(ctx context.Context, devPath string) (probeResult, error) {
		cam, err := webcam.Open(devPath)
		if err != nil {
			return probeResult{}, err
		}
		defer func() {
			_ = cam.Close()
		}()

		var res probeResult
		for pf := range cam.GetSupportedFormats() {
			if pf == pixMJPG || pf == pixYUYV {
				res.Capture = true
				break
			}
		}

		name, err := cam.GetName()
		if err != nil || name == "" {
			fb, fbErr := fallback(ctx, devPath)
			if fbErr != nil {
				return res, nil
			}
			name = fb.Name
		}
		res.Name = name
		return res, nil
	}
}
