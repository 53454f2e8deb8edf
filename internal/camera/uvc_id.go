package camera

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	uvcIDRe       = regexp.MustCompile(`^[0-9a-f]{4}:[0-9a-f]{4}:`)
	unknownPrefix = "unknown:"
)

// deriveUVCDeviceID はsysfsのUSB属性から安定したIDを作る
//
//   - シリアル番号あり: vid:pid:serial
//   - シリアル番号なし: vid:pid:<USBポートパスのハッシュ>
//   - USB属性なし:     unknown:<デバイスパスのハッシュ>
func deriveUVCDeviceID(sysfsRoot, devPath string) DeviceID {
	node := filepath.Base(devPath)
	link := filepath.Join(sysfsRoot, "class", "video4linux", node, "device")

	if iface, err := filepath.EvalSymlinks(link); err == nil {
		// device はUSBインターフェース (例: 1-2:1.0) を指し、親がUSBデバイス
		usbDir := filepath.Dir(iface)
		vid := readSysfsAttr(usbDir, "idVendor")
		pid := readSysfsAttr(usbDir, "idProduct")
		if vid != "" && pid != "" {
			if serial := sanitizeSerial(readSysfsAttr(usbDir, "serial")); serial != "" {
				return DeviceID(fmt.Sprintf("%s:%s:%s", vid, pid, serial))
			}
			return DeviceID(fmt.Sprintf("%s:%s:%s", vid, pid, shortHash(filepath.Base(usbDir))))
		}
	}

	return DeviceID(unknownPrefix + shortHash(devPath))
}

func readSysfsAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(data)))
}

func sanitizeSerial(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r == ':' || r == '/' || r == ' ':
			return '_'
		case r < 0x20 || r > 0x7e:
			return -1
		}
		return r
	}, s)
}

// shortHash は FNV-1a 64bit を16桁の16進数で返す
func shortHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
