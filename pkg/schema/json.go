package schema

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"k8s.io/klog/v2"

	"k8s.io/examples/AI/modelforge/pkg/mlerrors"
)

// json sorts map keys, which keeps encoded documents stable between runs.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

const indent = "    "

func marshal(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", indent)
}

func readFile(op, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mlerrors.Errorf(mlerrors.IO, op, "reading %q: %w", path, err)
	}
	return data, nil
}

// WriteFile creates the parent directory if needed, then writes data through a temp file
// so readers never observe a partially written document. op names the caller in errors.
func WriteFile(op, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return mlerrors.Errorf(mlerrors.IO, op, "creating directory %q: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path))
	if err != nil {
		return mlerrors.Errorf(mlerrors.IO, op, "creating temp file: %w", err)
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil && !os.IsNotExist(err) {
				klog.ErrorS(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return mlerrors.Errorf(mlerrors.IO, op, "writing %q: %w", path, err)
	}
	if err := tempFile.Close(); err != nil {
		return mlerrors.Errorf(mlerrors.IO, op, "closing temp file: %w", err)
	}
	if err := os.Chmod(tempFile.Name(), 0644); err != nil {
		return mlerrors.Errorf(mlerrors.IO, op, "setting permissions on %q: %w", path, err)
	}
	if err := os.Rename(tempFile.Name(), path); err != nil {
		return mlerrors.Errorf(mlerrors.IO, op, "renaming temp file to %q: %w", path, err)
	}
	shouldDeleteTempFile = false

	return nil
}

func malformed(op, format string, args ...any) error {
	return mlerrors.Errorf(mlerrors.Malformed, op, format, args...)
}

func decodeError(op string, err error) error {
	return mlerrors.E(mlerrors.Malformed, op, fmt.Errorf("decoding json: %w", err))
}
