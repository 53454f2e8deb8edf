package camera

// uvcControlSpec は論理コントロールIDとV4L2コントロール名の対応
type uvcControlSpec struct {
	ID    string
	Name  string
	Group string
	// V4L2 は候補となるV4L2コントロール名 (カーネルのバージョンで名前が異なる)
	V4L2 []string
	// Auto は対応する自動モードのコントロール名
	Auto []string
	// AutoOn は自動モードコントロールの値が「自動」を表すか判定する
	AutoOn func(v int32) bool
}

func autoIsOne(v int32) bool { return v == 1 }

// auto_exposure は 1 が手動、それ以外が自動系のモード
func autoExposureOn(v int32) bool { return v != 1 }

// uvcControlTable は提示するコントロールの固定一覧 (この順序で返す)
var uvcControlTable = []uvcControlSpec{
	{ID: "brightness", Name: "Brightness", Group: GroupImage, V4L2: []string{"brightness"}},
	{ID: "contrast", Name: "Contrast", Group: GroupImage, V4L2: []string{"contrast"}},
	{ID: "hue", Name: "Hue", Group: GroupImage, V4L2: []string{"hue"}, Auto: []string{"hue_auto"}, AutoOn: autoIsOne},
	{ID: "saturation", Name: "Saturation", Group: GroupImage, V4L2: []string{"saturation"}},
	{ID: "sharpness", Name: "Sharpness", Group: GroupImage, V4L2: []string{"sharpness"}},
	{ID: "gamma", Name: "Gamma", Group: GroupImage, V4L2: []string{"gamma"}},
	{ID: "color_enable", Name: "Color", Group: GroupImage, V4L2: []string{"color_enable", "chroma_agc"}},
	{
		ID: "white_balance", Name: "White Balance", Group: GroupImage,
		V4L2:   []string{"white_balance_temperature"},
		Auto:   []string{"white_balance_automatic", "white_balance_temperature_auto"},
		AutoOn: autoIsOne,
	},
	{
		ID: "exposure", Name: "Exposure", Group: GroupExposure,
		V4L2:   []string{"exposure_time_absolute", "exposure_absolute"},
		Auto:   []string{"auto_exposure", "exposure_auto"},
		AutoOn: autoExposureOn,
	},
	{ID: "iris", Name: "Iris", Group: GroupExposure, V4L2: []string{"iris_absolute"}},
	{ID: "gain", Name: "Gain", Group: GroupExposure, V4L2: []string{"gain"}},
	{ID: "backlight_compensation", Name: "Backlight Compensation", Group: GroupExposure, V4L2: []string{"backlight_compensation"}},
	{
		ID: "focus", Name: "Focus", Group: GroupFocus,
		V4L2:   []string{"focus_absolute"},
		Auto:   []string{"focus_automatic_continuous", "focus_auto"},
		AutoOn: autoIsOne,
	},
	{ID: "zoom", Name: "Zoom", Group: GroupFocus, V4L2: []string{"zoom_absolute"}},
	{ID: "pan", Name: "Pan", Group: GroupAdvanced, V4L2: []string{"pan_absolute"}},
	{ID: "tilt", Name: "Tilt", Group: GroupAdvanced, V4L2: []string{"tilt_absolute"}},
	{ID: "roll", Name: "Roll", Group: GroupAdvanced, V4L2: []string{"roll_absolute"}},
}

// mapUVCControls はV4L2のコントロール一覧を固定一覧の記述子に変換する
// 見つからないコントロールは Supported=false で返す
func mapUVCControls(raw []v4l2Control) ([]ControlDescriptor, map[string]string) {
	byName := make(map[string]v4l2Control, len(raw))
	for _, c := range raw {
		byName[c.Name] = c
	}

	descriptors := make([]ControlDescriptor, 0, len(uvcControlTable))
	names := make(map[string]string, len(uvcControlTable))

	for _, spec := range uvcControlTable {
		desc := ControlDescriptor{
			ID:    spec.ID,
			Name:  spec.Name,
			Group: spec.Group,
			Type:  ControlSlider,
		}

		var (
			ctrl  v4l2Control
			found bool
		)
		for _, name := range spec.V4L2 {
			if c, ok := byName[name]; ok {
				ctrl, found = c, true
				names[spec.ID] = name
				break
			}
		}

		if found {
			def := ctrl.Default
			desc.Supported = true
			desc.Min, desc.Max, desc.Step = ctrl.Min, ctrl.Max, ctrl.Step
			desc.Default = &def
			desc.Current = ctrl.Value
			desc.Flags.IsReadOnly = ctrl.hasFlag("read-only")

			switch ctrl.Type {
			case "bool":
				desc.Type = ControlToggle
			case "menu", "intmenu":
				desc.Type = ControlSelect
				desc.Options = ctrl.Menu
			}

			for _, autoName := range spec.Auto {
				if autoCtrl, ok := byName[autoName]; ok {
					desc.Flags.SupportsAuto = true
					if spec.AutoOn != nil {
						desc.Flags.IsAutoEnabled = spec.AutoOn(autoCtrl.Value)
					}
					break
				}
			}
		}

		descriptors = append(descriptors, desc)
	}

	return descriptors, names
}
