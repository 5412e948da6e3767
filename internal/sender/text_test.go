package sender

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinPicksOneOptionPerGroup(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		out := Spin("{Hi|Hello|Hey} there, {friend|buddy}", nil)
		seen[out] = true
		require.Contains(t, []string{
			"Hi there, friend", "Hello there, friend", "Hey there, friend",
			"Hi there, buddy", "Hello there, buddy", "Hey there, buddy",
		}, out)
	}
	require.Greater(t, len(seen), 1)
}

func TestSpinNested(t *testing.T) {
	for i := 0; i < 100; i++ {
		out := Spin("{a|{b|c}}", nil)
		require.Contains(t, []string{"a", "b", "c"}, out)
	}
}

func TestSpinLeavesPlainBraces(t *testing.T) {
	require.Equal(t, "{name} and {{name}}", Spin("{name} and {{name}}", nil))
	require.Equal(t, "no groups", Spin("no groups", nil))
}

func TestSpinUsesChooser(t *testing.T) {
	last := func(n int) int { return n - 1 }
	require.Equal(t, "c z", Spin("{a|b|c} {x|z}", last))
}

func TestSpinTrimsOptions(t *testing.T) {
	first := func(int) int { return 0 }
	require.Equal(t, "Hi there", Spin("{Hi | Hello} there", first))
	require.Equal(t, "Hello there", Spin("{ Hi|Hello } there", func(n int) int { return n - 1 }))
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"Name": "Ana", "city": "Lima"}
	require.Equal(t, "Hi Ana from Lima!", Substitute("Hi {{name}} from {{ CITY }}!", vars))
	require.Equal(t, "Hi !", Substitute("Hi {{missing}}!", vars))
	require.Equal(t, "no placeholders", Substitute("no placeholders", nil))
}

func TestSubstituteIsIdempotent(t *testing.T) {
	vars := map[string]string{"name": "Ana"}
	for _, in := range []string{"Hi {{name}}", "{{NAME}}{{x}}", "plain", "{single}"} {
		once := Substitute(in, vars)
		require.Equal(t, once, Substitute(once, vars), in)
	}
}

func TestRenderSpinsBeforeSubstituting(t *testing.T) {
	first := func(int) int { return 0 }
	vars := map[string]string{"name": "{x|y}"}
	require.Equal(t, "Hi {x|y}", Render("{Hi|Yo} {{name}}", vars, true, first))
	require.Equal(t, "{Hi|Yo} Ana", Render("{Hi|Yo} {{name}}", map[string]string{"name": "Ana"}, false, first))
}
