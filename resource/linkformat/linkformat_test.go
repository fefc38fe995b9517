package linkformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Two links with rt/if/obs attributes.
func TestParseTwoSensors(t *testing.T) {
	body := `</sensors/temp>;rt="temperature";if="sensor";obs,</sensors/hum>;rt="humidity"`

	links, err := Parse(body, Strict)
	require.NoError(t, err)
	require.Len(t, links, 2)

	temp := links[0]
	assert.Equal(t, "/sensors/temp", temp.Target)
	rt, ok := temp.Get("rt")
	require.True(t, ok)
	assert.Equal(t, []string{"temperature"}, rt.Values)
	obs, ok := temp.Get("obs")
	require.True(t, ok)
	assert.True(t, obs.isFlag())

	hum := links[1]
	assert.Equal(t, "/sensors/hum", hum.Target)
	rt, ok = hum.Get("rt")
	require.True(t, ok)
	assert.Equal(t, []string{"humidity"}, rt.Values)
}

func TestParseStrictRejectsRepeatedTitle(t *testing.T) {
	body := `</a>;title="one";title="two"`

	_, err := Parse(body, Strict)
	var ferr *FormatError
	require.ErrorAs(t, err, &ferr)

	links, err := Parse(body, Lenient)
	require.NoError(t, err)
	require.Len(t, links, 1)
}

func TestParseMultiValueAttribute(t *testing.T) {
	links, err := Parse(`</r>;rt="one two three"`, Strict)
	require.NoError(t, err)
	rt, ok := links[0].Get("rt")
	require.True(t, ok)
	assert.Equal(t, []string{"one", "two", "three"}, rt.Values)
}

func TestParseQuotedSeparator(t *testing.T) {
	links, err := Parse(`</r>;title="a,b;c",</s>`, Strict)
	require.NoError(t, err)
	require.Len(t, links, 2)
	title, ok := links[0].Get("title")
	require.True(t, ok)
	assert.Equal(t, "a,b;c", title.Value)
	assert.Equal(t, "/s", links[1].Target)
}

func TestParseRejectsMalformedTarget(t *testing.T) {
	for _, body := range []string{`/no-brackets`, `</unterminated`} {
		_, err := Parse(body, Lenient)
		var ferr *FormatError
		assert.ErrorAs(t, err, &ferr, "input %q", body)
	}
}

func TestEncodeQuotingRules(t *testing.T) {
	links := []Link{
		{Target: "/sensors/temp", Attrs: []Attr{
			{Name: "rt", Values: []string{"temperature"}},
			{Name: "sz", Value: "1280"},
			{Name: "obs"},
			{Name: "title", Value: "outside"},
		}},
	}

	out := Encode(links)
	assert.Equal(t, `</sensors/temp>;rt="temperature";sz=1280;obs;title="outside"`, out)
}

func TestEncodeParseRoundTrip(t *testing.T) {
	links := []Link{
		{Target: "/a", Attrs: []Attr{{Name: "rt", Values: []string{"x", "y"}}, {Name: "obs"}}},
		{Target: "/b/c", Attrs: []Attr{{Name: "sz", Value: "42"}}},
	}

	parsed, err := Parse(Encode(links), Strict)
	require.NoError(t, err)
	assert.Equal(t, links, parsed)
}
