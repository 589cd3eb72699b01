package curve

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryAssignsSequentialIDs(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register(NewLinear())
	require.NoError(t, err)
	require.Equal(t, DefaultCurveID, id)

	p, err := NewProgressive(wad(2))
	require.NoError(t, err)
	id, err = r.Register(p)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	resolved, err := r.Resolve(1)
	require.NoError(t, err)
	require.Same(t, p, resolved)

	lookedUp, ok := r.Lookup(ProgressiveName)
	require.True(t, ok)
	require.Equal(t, uint64(1), lookedUp)

	require.Equal(t, []Entry{{ID: 0, Name: LinearName}, {ID: 1, Name: ProgressiveName}}, r.List())
}

func TestRegistryRejectsUnknownAndDuplicate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(0)
	require.ErrorIs(t, err, ErrCurveNotFound)

	_, err = r.Register(nil)
	require.ErrorIs(t, err, ErrNilCurve)

	_, err = r.Register(NewLinear())
	require.NoError(t, err)
	_, err = r.Register(NewLinear())
	require.ErrorIs(t, err, ErrDuplicateCurve)
	require.Equal(t, 1, r.Count())

	_, err = r.Resolve(1)
	require.ErrorIs(t, err, ErrCurveNotFound)
}

func TestRegistryConcurrentRegistration(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := NewProgressive(u(uint64(i + 1)))
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := r.Register(p.WithName(ProgressiveName + string(rune('a'+i)))); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 16, r.Count())
	for i, entry := range r.List() {
		require.Equal(t, uint64(i), entry.ID)
	}
}
