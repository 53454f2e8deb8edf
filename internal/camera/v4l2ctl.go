package camera

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// commandRunner は外部コマンドを実行して標準出力を返す
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// CommandError は外部コマンドが失敗したときの標準エラー付きエラー
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

// Error はエラーメッセージを返す
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s の実行に失敗: %v (stderr: %s)", e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s の実行に失敗: %v", e.Command, e.Err)
}

// Unwrap は元のエラーを返す
func (e *CommandError) Unwrap() error {
	return e.Err
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &CommandError{
			Command: name,
			Stderr:  strings.TrimSpace(stderr.String()),
			Err:     err,
		}
	}
	return stdout.Bytes(), nil
}

// v4l2Control は v4l2-ctl --list-ctrls-menus の1エントリ
type v4l2Control struct {
	Name     string
	Type     string // int, bool, menu, intmenu, button ...
	Min      int32
	Max      int32
	Step     int32
	Default  int32
	Value    int32
	Flags    []string
	Menu     []ControlOption
	hasRange bool
}

func (c v4l2Control) hasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

var (
	ctrlLineRe = regexp.MustCompile(`^\s*([a-z0-9_]+)\s+0x[0-9a-f]+\s+\(([a-z0-9]+)\)\s*:\s*(.*)$`)
	menuLineRe = regexp.MustCompile(`^\s*(-?\d+):\s*(.+)$`)
	kvRe       = regexp.MustCompile(`([a-z_]+)=([^\s]+)`)
)

// parseV4L2Controls は v4l2-ctl --list-ctrls-menus の出力を解析する
func parseV4L2Controls(output string) []v4l2Control {
	var controls []v4l2Control
	for _, line := range strings.Split(output, "\n") {
		if m := ctrlLineRe.FindStringSubmatch(line); m != nil {
			c := v4l2Control{Name: m[1], Type: m[2]}
			for _, kv := range kvRe.FindAllStringSubmatch(m[3], -1) {
				key, val := kv[1], kv[2]
				if key == "flags" {
					c.Flags = strings.Split(val, ",")
					continue
				}
				n, err := strconv.ParseInt(val, 10, 64)
				if err != nil {
					continue
				}
				v := clampInt64(n)
				switch key {
				case "min":
					c.Min, c.hasRange = v, true
				case "max":
					c.Max, c.hasRange = v, true
				case "step":
					c.Step = v
				case "default":
					c.Default = v
				case "value":
					c.Value = v
				}
			}
			if c.Type == "bool" && !c.hasRange {
				c.Min, c.Max, c.Step = 0, 1, 1
			}
			controls = append(controls, c)
			continue
		}

		if len(controls) == 0 {
			continue
		}
		if m := menuLineRe.FindStringSubmatch(line); m != nil {
			last := &controls[len(controls)-1]
			if last.Type != "menu" && last.Type != "intmenu" {
				continue
			}
			n, err := strconv.ParseInt(m[1], 10, 32)
			if err != nil {
				continue
			}
			last.Menu = append(last.Menu, ControlOption{Value: int32(n), Label: strings.TrimSpace(m[2])})
		}
	}
	return controls
}

func clampInt64(n int64) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}

// parseGetCtrl は "name: value" 形式の出力から値を取り出す
func parseGetCtrl(output string) (int32, error) {
	parts := strings.SplitN(strings.TrimSpace(output), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("v4l2-ctl の出力を解析できません: %q", output)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("v4l2-ctl の値を解析できません: %w", err)
	}
	return clampInt64(n), nil
}

var (
	fmtLineRe      = regexp.MustCompile(`\[\d+\]:\s*'([A-Z0-9 ]+)'`)
	sizeLineRe     = regexp.MustCompile(`Size:\s*Discrete\s+(\d+)x(\d+)`)
	intervalLineRe = regexp.MustCompile(`\(([\d.]+)\s*fps\)`)
)

// parseV4L2Formats は v4l2-ctl --list-formats-ext の出力を解析する
func parseV4L2Formats(output string) []FormatDescriptor {
	var (
		formats []FormatDescriptor
		pixfmt  string
		width   int
		height  int
	)
	seen := make(map[FormatDescriptor]bool)

	for _, line := range strings.Split(output, "\n") {
		if m := fmtLineRe.FindStringSubmatch(line); m != nil {
			pixfmt = strings.TrimSpace(m[1])
			width, height = 0, 0
			continue
		}
		if m := sizeLineRe.FindStringSubmatch(line); m != nil {
			width, _ = strconv.Atoi(m[1])
			height, _ = strconv.Atoi(m[2])
			continue
		}
		if m := intervalLineRe.FindStringSubmatch(line); m != nil && pixfmt != "" && width > 0 {
			fps, err := strconv.ParseFloat(m[1], 64)
			if err != nil || fps <= 0 {
				continue
			}
			f := FormatDescriptor{Width: width, Height: height, FPS: int(math.Round(fps)), PixelFormat: pixfmt}
			if !seen[f] {
				seen[f] = true
				formats = append(formats, f)
			}
		}
	}

	SortFormats(formats)
	return formats
}

// parseCardType は v4l2-ctl --info の "Card type" 行からカメラ名を取り出す
func parseCardType(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Card type") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}
