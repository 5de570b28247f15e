package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivio/numeros/pkg/entitlement"
)

const (
	tableV1 = `{"2025-03":{"6-9":{"catalog":"v1","annexes":["a"]}}}`
	tableV2 = `{"2025-03":{"6-9":{"catalog":"v2","annexes":[]}},"2025-04":{"6-9":{"catalog":"apr"}}}`
)

func catalogRef(h *entitlement.CatalogHolder) string {
	ent, _ := h.Current().Lookup("6-9", "2025-03")
	return ent.CatalogRef
}

func newTestSource(t *testing.T, content string) (*Source, *entitlement.CatalogHolder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "numeros.json")
	if content != "" {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	holder := entitlement.NewCatalogHolder(nil)
	src, err := New(holder, Config{Path: path, Debounce: 20 * time.Millisecond, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(src.Stop)
	return src, holder, path
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Path: "x", Debounce: -1}.Validate())
	assert.NoError(t, DefaultConfig().Validate())
}

func TestSource_Load(t *testing.T) {
	src, holder, _ := newTestSource(t, tableV1)

	require.NoError(t, src.Load())
	assert.Equal(t, "v1", catalogRef(holder))
	assert.Equal(t, "file", holder.Current().Source())
}

func TestSource_MalformedKeepsPrevious(t *testing.T) {
	src, holder, path := newTestSource(t, tableV1)
	require.NoError(t, src.Load())

	require.NoError(t, os.WriteFile(path, []byte(`{"2025-03":`), 0o644))
	assert.Error(t, src.Load())
	assert.Equal(t, "v1", catalogRef(holder))
}

func TestSource_StartWithoutFile(t *testing.T) {
	src, holder, path := newTestSource(t, "")

	require.NoError(t, src.Start())
	assert.Zero(t, holder.Current().Len())

	require.NoError(t, os.WriteFile(path, []byte(tableV1), 0o644))
	require.Eventually(t, func() bool {
		return catalogRef(holder) == "v1"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSource_StartRejectsMalformedFile(t *testing.T) {
	src, _, _ := newTestSource(t, `not json`)
	assert.Error(t, src.Start())
}

func TestSource_ReloadsOnChange(t *testing.T) {
	src, holder, path := newTestSource(t, tableV1)
	require.NoError(t, src.Start())
	assert.Equal(t, "v1", catalogRef(holder))

	require.NoError(t, os.WriteFile(path, []byte(tableV2), 0o644))
	require.Eventually(t, func() bool {
		return catalogRef(holder) == "v2"
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, holder.Current().Len())
}

func TestSource_HandleEventsDebounces(t *testing.T) {
	src, holder, path := newTestSource(t, tableV1)

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	go src.handleEvents(events, errs)

	require.NoError(t, os.WriteFile(path, []byte(tableV2), 0o644))
	for i := 0; i < 5; i++ {
		events <- fsnotify.Event{Name: path, Op: fsnotify.Write}
	}
	events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(path), "other.json"), Op: fsnotify.Write}
	errs <- os.ErrPermission

	require.Eventually(t, func() bool {
		return catalogRef(holder) == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSource_PollForChanges(t *testing.T) {
	src, holder, path := newTestSource(t, tableV1)
	require.NoError(t, src.Load())

	go src.pollForChanges()

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.WriteFile(path, []byte(tableV2), 0o644))
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return catalogRef(holder) == "v2"
	}, 2*time.Second, 20*time.Millisecond)
}
