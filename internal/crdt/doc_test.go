package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalEdits(t *testing.T) {
	d := NewDoc(1)
	d.Insert(0, "hello")
	d.Insert(5, " world")
	d.Insert(0, ">")
	assert.Equal(t, ">hello world", d.String())

	d.Delete(0, 1)
	d.Delete(5, 6)
	assert.Equal(t, "hello", d.String())
	assert.Equal(t, 5, d.Len())

	d.Insert(100, "!")
	assert.Equal(t, "hello!", d.String())
}

func TestApplyRemoteUpdate(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	require.NoError(t, b.ApplyUpdate(a.Insert(0, "abc")))
	assert.Equal(t, "abc", b.String())

	require.NoError(t, a.ApplyUpdate(b.Delete(1, 1)))
	assert.Equal(t, "ac", a.String())
	assert.Equal(t, "ac", b.String())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewDoc(1)
	up := a.Insert(0, "xyz")

	b := NewDoc(2)
	require.NoError(t, b.ApplyUpdate(up))
	require.NoError(t, b.ApplyUpdate(up))
	assert.Equal(t, "xyz", b.String())
}

func TestConcurrentInsertsConverge(t *testing.T) {
	a := NewDoc(1)
	b := NewDoc(2)

	base := a.Insert(0, "-")
	require.NoError(t, b.ApplyUpdate(base))

	ua := a.Insert(1, "A")
	ub := b.Insert(1, "B")

	require.NoError(t, a.ApplyUpdate(ub))
	require.NoError(t, b.ApplyUpdate(ua))

	assert.Equal(t, a.String(), b.String())
	assert.Len(t, a.String(), 3)
}

func TestOutOfOrderDeliveryIsBuffered(t *testing.T) {
	a := NewDoc(1)
	first := a.Insert(0, "ab")
	second := a.Insert(2, "cd")
	del := a.Delete(0, 1)

	b := NewDoc(2)
	require.NoError(t, b.ApplyUpdate(del))
	require.NoError(t, b.ApplyUpdate(second))
	assert.Equal(t, "", b.String())
	assert.Positive(t, b.Pending())

	require.NoError(t, b.ApplyUpdate(first))
	assert.Equal(t, "bcd", b.String())
	assert.Zero(t, b.Pending())
}

func TestMalformedUpdateLeavesStateUntouched(t *testing.T) {
	d := NewDoc(1)
	d.Insert(0, "keep")
	before := d.EncodeState()

	bad := [][]byte{
		{0xff, 0xff},
		{0x0a, 0x05, 0x01},
		{0x0a, 0x02, 0x10, 0x00},
	}
	for _, b := range bad {
		err := d.ApplyUpdate(b)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecode)

		var de *DecodeError
		assert.ErrorAs(t, err, &de)
	}

	assert.Equal(t, "keep", d.String())
	assert.Equal(t, before, d.EncodeState())
}

func TestEmptyUpdateIsNoop(t *testing.T) {
	d := NewDoc(1)
	require.NoError(t, d.ApplyUpdate(nil))
	assert.Equal(t, "", d.String())
}

func TestEncodeStateRebuildsReplica(t *testing.T) {
	a := NewDoc(1)
	a.Insert(0, "the quick fox")
	a.Delete(4, 6)
	a.Insert(4, "slow ")

	b, err := Load(2, a.EncodeState())
	require.NoError(t, err)
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, a.EncodeState(), b.EncodeState())

	// edits made on the rebuilt replica still merge back
	require.NoError(t, a.ApplyUpdate(b.Insert(b.Len(), "!")))
	assert.Equal(t, "the slow fox!", a.String())
}

// Updates from several replicas, applied in any interleaving that keeps each
// replica's own order, produce the same document.
func TestInterleavingsConverge(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	replicas := []*Doc{NewDoc(10), NewDoc(20), NewDoc(30)}
	streams := make([][][]byte, len(replicas))

	for step := 0; step < 60; step++ {
		i := rng.Intn(len(replicas))
		r := replicas[i]

		var up []byte
		if r.Len() > 0 && rng.Intn(3) == 0 {
			up = r.Delete(rng.Intn(r.Len()), 1+rng.Intn(2))
		} else {
			up = r.Insert(rng.Intn(r.Len()+1), string(rune('a'+rng.Intn(26))))
		}
		streams[i] = append(streams[i], up)

		// occasionally let one replica catch up with another
		if rng.Intn(4) == 0 {
			j := rng.Intn(len(replicas))
			if j != i {
				for _, u := range streams[i] {
					require.NoError(t, replicas[j].ApplyUpdate(u))
				}
			}
		}
	}

	var want string
	for trial := 0; trial < 20; trial++ {
		server := NewDoc(0)
		cursors := make([]int, len(streams))
		for remaining := total(streams); remaining > 0; remaining-- {
			for {
				i := rng.Intn(len(streams))
				if cursors[i] < len(streams[i]) {
					require.NoError(t, server.ApplyUpdate(streams[i][cursors[i]]))
					cursors[i]++
					break
				}
			}
		}

		assert.Zero(t, server.Pending())
		if trial == 0 {
			want = server.String()
			continue
		}
		assert.Equal(t, want, server.String(), "trial %d", trial)
	}
}

func total(streams [][][]byte) int {
	n := 0
	for _, s := range streams {
		n += len(s)
	}
	return n
}
