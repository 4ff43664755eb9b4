package consumer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundRobinEvenSpread(t *testing.T) {
	subs := map[string][]string{
		"m-a": {"t"},
		"m-b": {"t"},
	}
	got := assignRoundRobin(subs, map[string][]int32{"t": {0, 1, 2, 3}})
	require.Equal(t, map[string][]int32{"t": {0, 2}}, got["m-a"])
	require.Equal(t, map[string][]int32{"t": {1, 3}}, got["m-b"])
}

func TestRoundRobinThreeMembersFourPartitions(t *testing.T) {
	subs := map[string][]string{
		"m-a": {"t"},
		"m-b": {"t"},
		"m-c": {"t"},
	}
	got := assignRoundRobin(subs, map[string][]int32{"t": {0, 1, 2, 3}})
	sizes := make(map[int]int)
	for _, assignment := range got {
		n := 0
		for _, ps := range assignment {
			n += len(ps)
		}
		sizes[n]++
	}
	// 4 partitions over 3 members: sizes {2,1,1}
	require.Equal(t, map[int]int{2: 1, 1: 2}, sizes)
	// the first member in sorted order takes the extra partition
	require.Equal(t, map[string][]int32{"t": {0, 3}}, got["m-a"])
}

func TestRoundRobinRespectsSubscriptions(t *testing.T) {
	subs := map[string][]string{
		"m-a": {"t", "u"},
		"m-b": {"u"},
	}
	got := assignRoundRobin(subs, map[string][]int32{
		"t": {0, 1},
		"u": {0, 1},
	})
	// only m-a subscribes to t
	require.Equal(t, []int32{0, 1}, got["m-a"]["t"])
	total := len(got["m-a"]["u"]) + len(got["m-b"]["u"])
	require.Equal(t, 2, total)
	require.NotEmpty(t, got["m-b"]["u"])
}

func TestRoundRobinMultipleTopicsSorted(t *testing.T) {
	subs := map[string][]string{"m-a": {"a", "b"}}
	got := assignRoundRobin(subs, map[string][]int32{
		"b": {1, 0},
		"a": {0},
	})
	require.Equal(t, map[string][]int32{"a": {0}, "b": {0, 1}}, got["m-a"])
}
