package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxPendingJPEG を超えてもフレーム境界が見つからない場合はバッファを捨てる
const maxPendingJPEG = 16 * 1024 * 1024

// readJPEGFrames はMJPEGのバイト列からJPEGフレームを切り出して emit に渡す
// r が EOF になると nil を返す
func readJPEGFrames(r io.Reader, emit func([]byte)) error {
	buffer := make([]byte, 256*1024)
	var pending bytes.Buffer

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			pending.Write(buffer[:n])
			splitJPEGFrames(&pending, emit)
			if pending.Len() > maxPendingJPEG {
				pending.Reset()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// splitJPEGFrames はバッファ内の完全なフレームを取り出し、残りをバッファに戻す
func splitJPEGFrames(pending *bytes.Buffer, emit func([]byte)) {
	data := pending.Bytes()
	consumed := 0

	for {
		start := bytes.Index(data[consumed:], jpegSOI)
		if start == -1 {
			// 開始マーカーがなければ最後の1バイトだけ残す (FF が分割されている可能性)
			if len(data)-consumed > 1 {
				consumed = len(data) - 1
			}
			break
		}
		start += consumed

		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			consumed = start
			break
		}
		end += start + 2 + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		emit(frame)
		consumed = end
	}

	remaining := make([]byte, len(data)-consumed)
	copy(remaining, data[consumed:])
	pending.Reset()
	pending.Write(remaining)
}

// ffmpegArgs はV4L2デバイスからMJPEGを標準出力に流すffmpeg引数を作る
func ffmpegArgs(devPath string, format FormatDescriptor) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", "v4l2"}

	passthrough := strings.EqualFold(format.PixelFormat, "MJPG")
	if passthrough {
		args = append(args, "-input_format", "mjpeg")
	}
	if format.Width > 0 && format.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", format.Width, format.Height))
	}
	if format.FPS > 0 {
		args = append(args, "-framerate", strconv.Itoa(format.FPS))
	}
	args = append(args, "-i", devPath, "-f", "image2pipe")

	if passthrough {
		args = append(args, "-c:v", "copy")
	} else {
		args = append(args, "-c:v", "mjpeg", "-q:v", "3")
	}
	return append(args, "-")
}

// startFFmpegStream はffmpegを起動してJPEGフレームのストリームを返す
func startFFmpegStream(ctx context.Context, devPath string, format FormatDescriptor) (Stream, error) {
	stream, streamCtx := newFrameStream(ctx, 2)

	cmd := exec.CommandContext(streamCtx, "ffmpeg", ffmpegArgs(devPath, format)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stream.cancel()
		return nil, fmt.Errorf("%w: stdoutパイプの作成に失敗: %v", ErrCaptureUnavailable, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		stream.cancel()
		return nil, fmt.Errorf("%w: ffmpegの起動に失敗: %v", ErrCaptureUnavailable, err)
	}

	go func() {
		readErr := readJPEGFrames(stdout, func(data []byte) {
			stream.push(Frame{
				Data:       data,
				Width:      format.Width,
				Height:     format.Height,
				CapturedAt: time.Now(),
			})
		})
		waitErr := cmd.Wait()

		// キャンセルによる終了は正常終了として扱う
		if streamCtx.Err() != nil {
			stream.finish(nil)
			return
		}
		switch {
		case readErr != nil:
			stream.finish(fmt.Errorf("フレーム読み取りエラー: %w", readErr))
		case waitErr != nil:
			stream.finish(&CommandError{Command: "ffmpeg", Stderr: strings.TrimSpace(stderr.String()), Err: waitErr})
		default:
			stream.finish(errors.New("ffmpegが終了しました"))
		}
	}()

	return stream, nil
}
