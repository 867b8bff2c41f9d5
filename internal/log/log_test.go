package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendWritesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "oftp.log")
	b, err := New(file, "info", false)
	require.NoError(t, err)

	l := b.GetLogger("session/1a2b3c4d")
	l.Infof("connected to %s", "ODETTE")
	l.Debugf("hidden")
	b.GetGoLogger("http", "WARNING").Print("bad request")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INFO session/1a2b3c4d: connected to ODETTE")
	assert.Contains(t, lines[1], "WARN http: bad request")

	require.NoError(t, b.Rotate())
	l.Errorf("after rotate")
	data, err = os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ERRO session/1a2b3c4d: after rotate")
}

func TestInvalidLevel(t *testing.T) {
	_, err := New("", "LOUD", false)
	assert.Error(t, err)
}
