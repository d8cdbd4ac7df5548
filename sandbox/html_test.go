package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><body>
<ul>
  <li class="item"><a href="/one">One</a></li>
  <li class="item"><a href="/two" title="second">Two</a></li>
</ul>
</body></html>`

func TestSelectHTML(t *testing.T) {
	nodes, err := selectHTML(samplePage, "li.item a")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "One", nodes[0].Text)
	assert.Equal(t, "/one", nodes[0].Attrs["href"])
	assert.Equal(t, "second", nodes[1].Attrs["title"])
	assert.Equal(t, "Two", nodes[1].HTML)
}

func TestSelectHTMLNoMatch(t *testing.T) {
	nodes, err := selectHTML(samplePage, "table td")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestHostHTMLSelect(t *testing.T) {
	inst := newTestInstance(t, `
function links(page) {
  return host.html.select(page, "a").map(function (n) { return n.attrs.href; });
}
`, nil, testConfig())

	req, err := json.Marshal(samplePage)
	require.NoError(t, err)
	out, err := inst.Invoke(context.Background(), "links", req)
	require.NoError(t, err)
	assert.JSONEq(t, `["/one","/two"]`, string(out))
}
