package kani

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	runtimeMu   sync.Mutex
	runtimeRefs int
)

// runtimeLibraries lists where the onnxruntime shared library is looked for
// on each OS, most specific first. The last entry is handed to the loader
// as is when none of them exists.
var runtimeLibraries = map[string][]string{
	"linux": {
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
		"./lib/libonnxruntime.so",
		"libonnxruntime.so",
	},
	"windows": {
		"./onnxruntime.dll",
		"./lib/onnxruntime.dll",
		"onnxruntime.dll",
	},
	"darwin": {
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"./libonnxruntime.dylib",
		"libonnxruntime.dylib",
	},
}

// runtimeLibPath resolves the shared library for goos. ONNXRUNTIME_LIB_PATH
// always wins.
func runtimeLibPath(goos string, exists func(string) bool) string {
	if env := os.Getenv("ONNXRUNTIME_LIB_PATH"); env != "" {
		return env
	}

	paths, ok := runtimeLibraries[goos]
	if !ok {
		paths = runtimeLibraries["linux"]
	}
	for _, p := range paths[:len(paths)-1] {
		if exists(p) {
			return p
		}
	}
	return paths[len(paths)-1]
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// acquireRuntime initializes the shared onnxruntime environment on first use.
// Every successful call must be paired with releaseRuntime.
func acquireRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeRefs == 0 && !ort.IsInitialized() {
		ort.SetSharedLibraryPath(runtimeLibPath(runtime.GOOS, fileExists))
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}
	runtimeRefs++
	return nil
}

func releaseRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeRefs == 0 {
		return nil
	}
	runtimeRefs--
	if runtimeRefs == 0 && ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}

// newSessionOptions selects the CUDA execution provider for gpu >= 0.
// The caller owns the returned options.
func newSessionOptions(gpu int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if gpu < 0 {
		return opts, nil
	}

	cuda, err := ort.NewCUDAProviderOptions()
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
	}
	defer cuda.Destroy()

	if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(gpu)}); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to configure CUDA device %d: %w", gpu, err)
	}
	if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to enable CUDA execution provider: %w", err)
	}
	return opts, nil
}

func destroyAll(values ...ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Destroy()
		}
	}
}
