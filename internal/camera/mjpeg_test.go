package camera

import (
	"bytes"
	"strings"
	"testing"
	"testing/iotest"
)

func fakeJPEG(payload string) []byte {
	out := append([]byte{}, jpegSOI...)
	out = append(out, payload...)
	return append(out, jpegEOI...)
}

func TestReadJPEGFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, "noise"...)
	stream = append(stream, fakeJPEG("first")...)
	stream = append(stream, fakeJPEG("second")...)
	stream = append(stream, jpegSOI...) // 途中で切れたフレーム

	var frames [][]byte
	// 1バイトずつ読んでもフレーム境界を正しく扱える
	err := readJPEGFrames(iotest.OneByteReader(bytes.NewReader(stream)), func(f []byte) {
		frames = append(frames, f)
	})
	if err != nil {
		t.Fatalf("readJPEGFrames failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if !bytes.Equal(frames[0], fakeJPEG("first")) {
		t.Errorf("Unexpected first frame: %x", frames[0])
	}
	if !bytes.Equal(frames[1], fakeJPEG("second")) {
		t.Errorf("Unexpected second frame: %x", frames[1])
	}
}

func TestSplitJPEGFrames_KeepsPartial(t *testing.T) {
	var pending bytes.Buffer
	pending.Write(fakeJPEG("done"))
	pending.Write(jpegSOI)
	pending.WriteString("partial")

	var count int
	splitJPEGFrames(&pending, func([]byte) { count++ })

	if count != 1 {
		t.Errorf("Expected 1 frame, got %d", count)
	}
	if !bytes.HasPrefix(pending.Bytes(), jpegSOI) {
		t.Errorf("Expected partial frame to remain, got %x", pending.Bytes())
	}
}

func TestFFmpegArgs(t *testing.T) {
	tests := []struct {
		name   string
		format FormatDescriptor
		want   []string
		absent []string
	}{
		{
			name:   "mjpeg passthrough",
			format: FormatDescriptor{Width: 1280, Height: 720, FPS: 30, PixelFormat: "MJPG"},
			want:   []string{"-input_format mjpeg", "-video_size 1280x720", "-framerate 30", "-c:v copy"},
		},
		{
			name:   "yuyv transcode",
			format: FormatDescriptor{Width: 640, Height: 480, FPS: 15, PixelFormat: "YUYV"},
			want:   []string{"-video_size 640x480", "-c:v mjpeg"},
			absent: []string{"-input_format"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			joined := strings.Join(ffmpegArgs("/dev/video0", tt.format), " ")
			for _, w := range tt.want {
				if !strings.Contains(joined, w) {
					t.Errorf("Expected %q in %q", w, joined)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(joined, a) {
					t.Errorf("Did not expect %q in %q", a, joined)
				}
			}
		})
	}
}
