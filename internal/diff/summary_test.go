package diff

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleChange = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="1" lat="48.1" lon="11.5" version="1">
      <tag k="amenity" v="cafe"/>
    </node>
    <node id="2" lat="48.2" lon="11.6" version="1"/>
    <way id="10" version="1">
      <nd ref="1"/>
      <nd ref="2"/>
      <tag k="highway" v="residential"/>
    </way>
  </create>
  <modify>
    <node id="3" lat="48.3" lon="11.7" version="2"/>
    <relation id="100" version="2">
      <member type="way" ref="10" role="outer"/>
    </relation>
  </modify>
  <delete>
    <node id="4" version="3"/>
    <way id="11" version="2"/>
  </delete>
</osmChange>
`

func writeSample(t *testing.T, name string, gzipped bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	if gzipped {
		gz := gzip.NewWriter(f)
		_, err = gz.Write([]byte(sampleChange))
		require.NoError(t, err)
		require.NoError(t, gz.Close())
		return path
	}

	_, err = f.WriteString(sampleChange)
	require.NoError(t, err)
	return path
}

func TestSummarizePlain(t *testing.T) {
	path := writeSample(t, "changes.osc", false)

	s, err := Summarize(path)
	require.NoError(t, err)

	assert.Equal(t, 2, s.Created.Nodes)
	assert.Equal(t, 1, s.Created.Ways)
	assert.Equal(t, 0, s.Created.Relations)
	assert.Equal(t, 1, s.Modified.Nodes)
	assert.Equal(t, 1, s.Modified.Relations)
	assert.Equal(t, 1, s.Deleted.Nodes)
	assert.Equal(t, 1, s.Deleted.Ways)
	assert.Equal(t, 7, s.Total())
}

func TestSummarizeGzip(t *testing.T) {
	path := writeSample(t, "changes.osc.gz", true)

	s, err := Summarize(path)
	require.NoError(t, err)
	assert.Equal(t, 7, s.Total())
}

func TestSummarizeEmptyChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.osc")
	require.NoError(t, os.WriteFile(path, []byte(`<osmChange version="0.6"/>`), 0o644))

	s, err := Summarize(path)
	require.NoError(t, err)
	assert.Zero(t, s.Total())
}

func TestSummarizeMissingFile(t *testing.T) {
	_, err := Summarize(filepath.Join(t.TempDir(), "nope.osc"))
	require.Error(t, err)
}

func TestSummarizeTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.osc")
	require.NoError(t, os.WriteFile(path, []byte(`<osmChange><create><node id="1"`), 0o644))

	_, err := Summarize(path)
	require.Error(t, err)
}
