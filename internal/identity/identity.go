// Package identity derives a stable device identifier and gathers
// best-effort host metadata for license validation and registration.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// SystemInfo is the best-effort host metadata sent alongside device_id on
// license validation and registration calls. Missing fields are reported
// as empty/zero, never as errors.
type SystemInfo struct {
	Hostname       string `json:"hostname"`
	OSLabel        string `json:"os_label"`
	HardwareSerial string `json:"hardware_serial,omitempty"`
	MemoryMiB      uint64 `json:"memory_mib,omitempty"`
}

// DeviceIdentity is derived once per boot and held by the engine for the
// process lifetime.
type DeviceIdentity struct {
	DeviceID string
	Hostname string
	OSLabel  string
	Info     SystemInfo
}

// hardwareSerialPaths lists the Linux sysfs locations checked in order for
// a stable board/product serial, mirroring the common systemd/dmidecode
// convention of preferring the product UUID over the board serial.
var hardwareSerialPaths = []string{
	"/sys/class/dmi/id/product_uuid",
	"/sys/class/dmi/id/board_serial",
	"/etc/machine-id",
}

// New derives the device identity from the current host. It never fails:
// on unreadable hardware sources it falls back to hostname-derived
// material, per §4.1's "never fails" invariant.
func New() *DeviceIdentity {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown-host"
	}

	info := SystemInfo{
		Hostname:       hostname,
		OSLabel:        fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		HardwareSerial: readHardwareSerial(),
		MemoryMiB:      readMemoryMiB(),
	}

	return &DeviceIdentity{
		DeviceID: deriveDeviceID(hostname, info.HardwareSerial),
		Hostname: hostname,
		OSLabel:  info.OSLabel,
		Info:     info,
	}
}

// deriveDeviceID computes the first 16 hex chars of SHA-256 over
// (hardware serial, or a hash of hostname if absent) ‖ a synthesised
// MAC-like string ‖ hostname. The MAC-like string is itself derived from
// the hardware material so that the same host always reproduces the same
// value across reboots, without depending on any one network interface
// being present or stable.
func deriveDeviceID(hostname, hardwareSerial string) string {
	anchor := hardwareSerial
	if anchor == "" {
		sum := sha256.Sum256([]byte(hostname))
		anchor = hex.EncodeToString(sum[:])
	}

	mac := syntheticMAC(anchor)

	h := sha256.New()
	h.Write([]byte(anchor))
	h.Write([]byte(mac))
	h.Write([]byte(hostname))
	digest := hex.EncodeToString(h.Sum(nil))
	return digest[:16]
}

// syntheticMAC derives a colon-separated MAC-like string from anchor
// material. This is a weak, non-collision-resistant source: two hosts
// sharing the same anchor material (e.g. no hardware serial available,
// identical hostnames) would collide. Documented per §9: device_id is
// unique per host, not per appliance serial, when hardware sources are
// missing.
func syntheticMAC(anchor string) string {
	sum := sha256.Sum256([]byte("mac:" + anchor))
	b := sum[:6]
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
}

func readHardwareSerial() string {
	for _, path := range hardwareSerialPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		s := trimmed(data)
		if s != "" {
			return s
		}
	}
	return ""
}

func trimmed(b []byte) string {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return string(b[start:end])
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// readMemoryMiB is best-effort and returns 0 when unknown; callers must
// not treat a zero value as an error.
func readMemoryMiB() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb / 1024
		}
	}
	return 0
}
