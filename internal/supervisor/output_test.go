package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOutputLog(t *testing.T) {
	dir := t.TempDir()
	out, err := NewOutputLog(OutputConfig{Dir: dir, MaxFileSize: 64, MaxAge: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer out.Stop()

	start := time.Now().Add(-time.Second)

	t.Run("Lines", func(t *testing.T) {
		w := out.Writer("proc-1", "stdout")
		_, err := fmt.Fprint(w, "hello\nwor")
		require.NoError(t, err)
		_, err = fmt.Fprint(w, "ld\r\npartial")
		require.NoError(t, err)

		entries, err := out.Read("proc-1", start)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "hello", entries[0].Line)
		assert.Equal(t, "world", entries[1].Line)
		assert.Equal(t, "stdout", entries[1].Stream)
	})

	t.Run("Since filter", func(t *testing.T) {
		entries, err := out.Read("proc-1", time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Missing process", func(t *testing.T) {
		_, err := out.Read("proc-unknown", start)
		require.Error(t, err)
	})

	t.Run("Rotate", func(t *testing.T) {
		w := out.Writer("proc-2", "stderr")
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "line %d\n", i)
		}
		out.flush()

		out.rotate(time.Now())
		_, err := os.Stat(filepath.Join(dir, "proc-2.log.1"))
		require.NoError(t, err)

		out.rotate(time.Now().Add(2 * time.Hour))
		_, err = os.Stat(filepath.Join(dir, "proc-2.log.1"))
		assert.True(t, os.IsNotExist(err))
	})
}
