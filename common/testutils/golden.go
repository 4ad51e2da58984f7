// Package testutils holds helpers shared by the tests of this module.
package testutils

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// UpdateGoldenFilesEnv asks the tests to overwrite golden files with the current results.
const UpdateGoldenFilesEnv = `TESTS_UPDATE_GOLDEN`

// UpdateEnabled reports whether golden files are being regenerated.
func UpdateEnabled() bool {
	return os.Getenv(UpdateGoldenFilesEnv) != ""
}

// LoadWithUpdateFromGolden returns the content of the golden file of the running (sub)test.
// The file is rewritten with data first when golden updates are enabled.
func LoadWithUpdateFromGolden(t *testing.T, data string) string {
	t.Helper()

	path := GoldenPath(t)

	if UpdateEnabled() {
		t.Logf("Updating golden file %s", path)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750), "Setup: could not create golden directory")
		require.NoError(t, os.WriteFile(path, []byte(data), 0600), "Setup: could not write golden file")
	}

	want, err := os.ReadFile(path)
	require.NoError(t, err, "Could not load golden file %s", path)

	if runtime.GOOS == "windows" {
		return strings.ReplaceAll(string(want), "\r\n", "\n")
	}
	return string(want)
}

// LoadWithUpdateFromGoldenYAML deserializes the golden file of the running (sub)test into an E.
// Comparing deserialized values keeps the assertions independent of YAML formatting.
func LoadWithUpdateFromGoldenYAML[E any](t *testing.T, got E) E {
	t.Helper()

	data, err := yaml.Marshal(got)
	require.NoError(t, err, "Could not serialize the value under test")

	var want E
	err = yaml.Unmarshal([]byte(LoadWithUpdateFromGolden(t, string(data))), &want)
	require.NoError(t, err, "Could not deserialize golden file")

	return want
}

// GoldenPath returns testdata/<TestName>/golden[/<subtest>] for the running test.
func GoldenPath(t *testing.T) string {
	t.Helper()

	family, sub, found := strings.Cut(t.Name(), "/")
	path := filepath.Join("testdata", family, "golden")
	if found {
		path = filepath.Join(path, normalizeName(sub))
	}
	return path
}

// normalizeName strips characters Windows does not accept in file names.
func normalizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "_")
	name = strings.ReplaceAll(name, ":", "")
	return strings.ToLower(name)
}
