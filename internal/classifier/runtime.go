package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	onnxrt "github.com/yalue/onnxruntime_go"
)

func getONNXLibName() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "libonnxruntime.so", nil
	case "darwin":
		return "libonnxruntime.dylib", nil
	case "windows":
		return "onnxruntime.dll", nil
	default:
		return "", fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// setONNXLibraryPath locates the ONNX Runtime shared library, trying system
// paths first and then a project-relative install.
func setONNXLibraryPath() error {
	system := []string{
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/libonnxruntime.so",
		"/opt/onnxruntime/cpu/lib/libonnxruntime.so",
	}
	for _, p := range system {
		if _, err := os.Stat(p); err == nil {
			onnxrt.SetSharedLibraryPath(p)
			return nil
		}
	}

	root, err := findProjectRoot()
	if err != nil {
		return err
	}
	libName, err := getONNXLibName()
	if err != nil {
		return err
	}
	p := filepath.Join(root, "onnxruntime", "lib", libName)
	if _, err := os.Stat(p); err != nil {
		return fmt.Errorf("ONNX Runtime library not found at %s", p)
	}
	onnxrt.SetSharedLibraryPath(p)
	return nil
}
