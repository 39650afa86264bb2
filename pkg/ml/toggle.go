package ml

import "os"

// ONNXEnabled reports whether the local ONNX memo classifier should be
// enabled. Default is disabled; set VIGIL_ENABLE_ONNX=true (or
// HUGOT_ENABLED=true) to opt in. This keeps default installs quiet unless the
// operator has provisioned a model and the ONNX runtime.
func ONNXEnabled() bool {
	if isTrue(os.Getenv("VIGIL_ENABLE_ONNX")) {
		return true
	}
	if isTrue(os.Getenv("HUGOT_ENABLED")) {
		return true
	}
	return false
}

func isTrue(v string) bool {
	switch v {
	case "1", "true", "TRUE", "yes", "YES", "on", "ON":
		return true
	default:
		return false
	}
}
