package leads

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "leads.json"))
	require.NoError(t, err)
	return s
}

func TestMissingFileIsEmpty(t *testing.T) {
	s := openTemp(t)
	l, err := s.GetAll()
	require.NoError(t, err)
	assert.Empty(t, l.Accepted)
	assert.Empty(t, l.Declined)
	require.NoError(t, s.Health())
}

func TestAcceptThenDeclineFlips(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.Accept("c1"))
	l, err := s.GetAll()
	require.NoError(t, err)
	assert.True(t, l.Accepted["c1"])
	assert.NotContains(t, l.Declined, "c1")

	require.NoError(t, s.Decline("c1"))
	l, err = s.GetAll()
	require.NoError(t, err)
	assert.True(t, l.Declined["c1"])
	assert.NotContains(t, l.Accepted, "c1")

	d, err := s.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, Declined, d)
	d, err = s.Get("other")
	require.NoError(t, err)
	assert.Equal(t, Undecided, d)
}

func TestPersistedLayout(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Accept("c1"))
	require.NoError(t, s.Decline("c2"))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var doc map[string]map[string]bool
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, map[string]map[string]bool{
		"accepted": {"c1": true},
		"declined": {"c2": true},
	}, doc)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Accept("c1"))

	reopened, err := Open(path)
	require.NoError(t, err)
	d, err := reopened.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
}

func TestConcurrentDistinctIDsNoLostUpdate(t *testing.T) {
	s := openTemp(t)
	const k = 40
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			if i%2 == 0 {
				assert.NoError(t, s.Accept(id))
			} else {
				assert.NoError(t, s.Decline(id))
			}
		}(i)
	}
	// readers running alongside writers never see a partial file
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.GetAll()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	l, err := s.GetAll()
	require.NoError(t, err)
	assert.Len(t, l.Accepted, k/2)
	assert.Len(t, l.Declined, k/2)
	for i := 0; i < k; i++ {
		want := Accepted
		if i%2 == 1 {
			want = Declined
		}
		assert.Equal(t, want, l.Of(fmt.Sprintf("c%d", i)))
	}
}

func TestCorruptFileIsStorageError(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o644))

	_, err := s.GetAll()
	require.ErrorIs(t, err, ErrStorage)
	require.ErrorIs(t, s.Accept("c1"), ErrStorage)
	require.ErrorIs(t, s.Health(), ErrStorage)

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw), "corrupt file is left for an operator to repair")
}

func TestNormalizesHandEditedFile(t *testing.T) {
	s := openTemp(t)
	body := `{"accepted":{"c1":true,"c2":false},"declined":{"c1":true,"c3":true}}`
	require.NoError(t, os.WriteFile(s.Path(), []byte(body), 0o644))

	l, err := s.GetAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, l.IDs(Accepted))
	assert.Equal(t, []string{"c3"}, l.IDs(Declined))
}

func TestEmptyCallIDRejected(t *testing.T) {
	s := openTemp(t)
	require.ErrorIs(t, s.Accept(""), ErrEmptyCallID)
	require.ErrorIs(t, s.Decline("  "), ErrEmptyCallID)
}

func TestUnwritableDirectoryIsStorageError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "leads.json"))
	require.NoError(t, err)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	require.ErrorIs(t, s.Accept("c1"), ErrStorage)
}
