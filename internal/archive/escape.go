package archive

import "strings"

// EscapeVolumePath maps an absolute container path to a flat tar entry
// name: /var/lib/data becomes var_lib_data.tar. The mapping is lossy for
// paths that themselves contain underscores; restore only needs the
// decoded form for logging, the tar content carries the real layout.
func EscapeVolumePath(path string) string {
	trimmed := strings.Trim(path, "/")
	return strings.ReplaceAll(trimmed, "/", "_") + ".tar"
}

// DecodeVolumeEntry reverses EscapeVolumePath. Reports ok=false when the
// entry is not a volume tar.
func DecodeVolumeEntry(name string) (path string, ok bool) {
	if !strings.HasSuffix(name, ".tar") || strings.Contains(name, "/") {
		return "", false
	}
	stem := strings.TrimSuffix(name, ".tar")
	if stem == "" {
		return "", false
	}
	return "/" + strings.ReplaceAll(stem, "_", "/"), true
}

// VolumeErrorEntry names the marker file recorded when one volume path
// could not be captured: ERROR_var_lib_data.txt for /var/lib/data.
func VolumeErrorEntry(path string) string {
	trimmed := strings.Trim(path, "/")
	return "ERROR_" + strings.ReplaceAll(trimmed, "/", "_") + ".txt"
}
