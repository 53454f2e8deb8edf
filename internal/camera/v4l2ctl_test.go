package camera

import (
	"testing"
)

const sampleListCtrls = `
User Controls

                     brightness 0x00980900 (int)    : min=-64 max=64 step=1 default=0 value=10
                       contrast 0x00980901 (int)    : min=0 max=95 step=1 default=32 value=32
        white_balance_automatic 0x0098090c (bool)   : default=1 value=1
      white_balance_temperature 0x0098091a (int)    : min=2800 max=6500 step=1 default=4600 value=4600 flags=inactive
           power_line_frequency 0x00980918 (menu)   : min=0 max=2 default=1 value=1 (50 Hz)
				0: Disabled
				1: 50 Hz
				2: 60 Hz

Camera Controls

                  auto_exposure 0x009a0901 (menu)   : min=0 max=3 default=3 value=3 (Aperture Priority Mode)
				1: Manual Mode
				3: Aperture Priority Mode
         exposure_time_absolute 0x009a0902 (int)    : min=1 max=5000 step=1 default=157 value=157 flags=inactive
                           gain 0x00980913 (int)    : min=0 max=100 step=1 default=0 value=0 flags=read-only
`

const sampleListFormats = `ioctl: VIDIOC_ENUM_FMT
	Type: Video Capture

	[0]: 'MJPG' (Motion-JPEG, compressed)
		Size: Discrete 1280x720
			Interval: Discrete 0.033s (30.000 fps)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.067s (15.000 fps)
	[1]: 'YUYV' (YUYV 4:2:2)
		Size: Discrete 640x480
			Interval: Discrete 0.033s (30.000 fps)
			Interval: Discrete 0.033s (30.000 fps)
`

func TestParseV4L2Controls(t *testing.T) {
	controls := parseV4L2Controls(sampleListCtrls)
	if len(controls) != 8 {
		t.Fatalf("Expected 8 controls, got %d", len(controls))
	}

	byName := make(map[string]v4l2Control)
	for _, c := range controls {
		byName[c.Name] = c
	}

	b := byName["brightness"]
	if b.Type != "int" || b.Min != -64 || b.Max != 64 || b.Value != 10 {
		t.Errorf("Unexpected brightness: %+v", b)
	}

	wb := byName["white_balance_automatic"]
	if wb.Min != 0 || wb.Max != 1 {
		t.Errorf("Expected bool range 0..1, got %d..%d", wb.Min, wb.Max)
	}

	plf := byName["power_line_frequency"]
	if len(plf.Menu) != 3 || plf.Menu[2].Label != "60 Hz" {
		t.Errorf("Unexpected menu: %+v", plf.Menu)
	}

	if !byName["gain"].hasFlag("read-only") {
		t.Error("Expected gain to be read-only")
	}
}

func TestMapUVCControls(t *testing.T) {
	descriptors, names := mapUVCControls(parseV4L2Controls(sampleListCtrls))

	if len(descriptors) != len(uvcControlTable) {
		t.Fatalf("Expected %d descriptors, got %d", len(uvcControlTable), len(descriptors))
	}

	tests := []struct {
		id        string
		supported bool
		v4l2      string
	}{
		{"brightness", true, "brightness"},
		{"contrast", true, "contrast"},
		{"white_balance", true, "white_balance_temperature"},
		{"exposure", true, "exposure_time_absolute"},
		{"gain", true, "gain"},
		{"focus", false, ""},
		{"zoom", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			d, ok := FindControl(descriptors, tt.id)
			if !ok {
				t.Fatalf("Control %s missing", tt.id)
			}
			if d.Supported != tt.supported {
				t.Errorf("Expected supported=%v, got %v", tt.supported, d.Supported)
			}
			if names[tt.id] != tt.v4l2 {
				t.Errorf("Expected v4l2 name %q, got %q", tt.v4l2, names[tt.id])
			}
		})
	}

	exposure, _ := FindControl(descriptors, "exposure")
	if !exposure.Flags.SupportsAuto || !exposure.Flags.IsAutoEnabled {
		t.Errorf("Expected exposure auto enabled, got %+v", exposure.Flags)
	}
	gain, _ := FindControl(descriptors, "gain")
	if gain.Writable() {
		t.Error("Expected gain to be read-only")
	}
	brightness, _ := FindControl(descriptors, "brightness")
	if brightness.Default == nil || *brightness.Default != 0 {
		t.Errorf("Expected default 0, got %v", brightness.Default)
	}
}

func TestParseV4L2Formats(t *testing.T) {
	formats := parseV4L2Formats(sampleListFormats)

	want := []FormatDescriptor{
		{Width: 1280, Height: 720, FPS: 30, PixelFormat: "MJPG"},
		{Width: 640, Height: 480, FPS: 30, PixelFormat: "MJPG"},
		{Width: 640, Height: 480, FPS: 30, PixelFormat: "YUYV"},
		{Width: 640, Height: 480, FPS: 15, PixelFormat: "MJPG"},
	}
	if len(formats) != len(want) {
		t.Fatalf("Expected %d formats, got %d: %+v", len(want), len(formats), formats)
	}
	for i := range want {
		if formats[i] != want[i] {
			t.Errorf("formats[%d]: expected %+v, got %+v", i, want[i], formats[i])
		}
	}
}

func TestParseGetCtrl(t *testing.T) {
	v, err := parseGetCtrl("brightness: -12\n")
	if err != nil {
		t.Fatalf("parseGetCtrl failed: %v", err)
	}
	if v != -12 {
		t.Errorf("Expected -12, got %d", v)
	}

	if _, err := parseGetCtrl("garbage"); err == nil {
		t.Error("Expected error for malformed output")
	}
}

func TestParseCardType(t *testing.T) {
	out := "Driver Info:\n\tDriver name      : uvcvideo\n\tCard type        : HD Pro Webcam C920\n"
	if got := parseCardType(out); got != "HD Pro Webcam C920" {
		t.Errorf("Expected card type, got %q", got)
	}
}
