package app

import "mitsume/internal/camera"

// chooseFormat は要求に一致するフォーマット、なければ最も近いものを選ぶ
// 幅と高さが0なら先頭 (最大解像度) を選ぶ
func chooseFormat(formats []camera.FormatDescriptor, width, height, fps int) (camera.FormatDescriptor, bool) {
	if len(formats) == 0 {
		return camera.FormatDescriptor{}, false
	}

	sorted := append([]camera.FormatDescriptor(nil), formats...)
	camera.SortFormats(sorted)

	if width <= 0 || height <= 0 {
		if fps <= 0 {
			return sorted[0], true
		}
		width, height = sorted[0].Width, sorted[0].Height
	}

	best := sorted[0]
	bestPix, bestFPS := -1, -1
	for _, f := range sorted {
		if f.Width == width && f.Height == height && (fps <= 0 || f.FPS == fps) {
			return f, true
		}
		pix := absInt(f.Pixels() - width*height)
		rate := 0
		if fps > 0 {
			rate = absInt(f.FPS - fps)
		}
		if bestPix < 0 || pix < bestPix || (pix == bestPix && rate < bestFPS) {
			best, bestPix, bestFPS = f, pix, rate
		}
	}
	return best, true
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
