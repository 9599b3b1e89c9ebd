package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "run"))
	require.NoError(t, err)

	path, err := w.WriteText(OutputName("yarn-mapreduce", "verify terasort #1"), "hdfs: no such file\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.RunDir, "output", "yarn-mapreduce", "verify_terasort_1.log"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hdfs: no such file\n", string(data))

	path, err = w.WriteJSON("summary.json", map[string]int{"total": 1})
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":1}`, string(data))

	_, err = w.WriteText("../outside.txt", "x")
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "spark-pi", SafeName("spark-pi"))
	assert.Equal(t, "unnamed", SafeName("///"))
}
