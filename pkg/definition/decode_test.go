package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inbucket/rcptfilter/pkg/policy"
	"github.com/inbucket/rcptfilter/pkg/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleXML = `<?xml version="1.0" encoding="utf-8"?>
<configuration>
  <banned address="john.spam@domain.com" />
  <redirect pattern="^john.*@domain.com$" address="john@domain.com" />
  <comment>ignored</comment>
  <group>
    <banned address="other@domain.com" />
  </group>
  <redirect pattern="^sales" />
</configuration>
`

func TestDecodeXMLDocumentOrder(t *testing.T) {
	entries, err := DecodeXML(strings.NewReader(sampleXML))
	require.NoError(t, err)

	want := []rules.Entry{
		{Kind: rules.KindBan, Address: "john.spam@domain.com"},
		{Kind: rules.KindRedirect, Pattern: "^john.*@domain.com$", Address: "john@domain.com"},
		{Kind: rules.KindBan, Address: "other@domain.com"},
		{Kind: rules.KindRedirect, Pattern: "^sales"},
	}
	assert.Equal(t, want, entries)
}

func TestDecodeXMLErrors(t *testing.T) {
	testCases := map[string]string{
		"empty":     "",
		"no root":   `<?xml version="1.0"?>`,
		"truncated": `<configuration><banned address="x@y.com"/>`,
		"garbage":   `<configuration><banned address=></configuration>`,
	}
	for name, input := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeXML(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestDecodeYAML(t *testing.T) {
	input := `
rules:
  - banned: {address: john.spam@domain.com}
  - redirect:
      pattern: '^john.*@domain\.com$'
      address: john@domain.com
  - redirect: {pattern: '^sales'}
`
	entries, err := DecodeYAML(strings.NewReader(input))
	require.NoError(t, err)

	want := []rules.Entry{
		{Kind: rules.KindBan, Address: "john.spam@domain.com"},
		{Kind: rules.KindRedirect, Pattern: `^john.*@domain\.com$`, Address: "john@domain.com"},
		{Kind: rules.KindRedirect, Pattern: "^sales"},
	}
	assert.Equal(t, want, entries)
}

func TestDecodeYAMLErrors(t *testing.T) {
	testCases := map[string]string{
		"empty":        "",
		"both kinds":   "rules:\n  - banned: {address: a@b.com}\n    redirect: {pattern: x, address: a@b.com}\n",
		"neither kind": "rules:\n  - {}\n",
		"unknown key":  "rules:\n  - alias: {address: a@b.com}\n",
		"not a list":   "rules: 7\n",
	}
	for name, input := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeYAML(strings.NewReader(input))
			assert.Error(t, err)
		})
	}
}

func TestDecodeYAMLEmptyList(t *testing.T) {
	entries, err := DecodeYAML(strings.NewReader("rules: []\n"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, FormatXML, FormatFor("/etc/rules.xml", ""))
	assert.Equal(t, FormatXML, FormatFor("/etc/rules.conf", ""))
	assert.Equal(t, FormatYAML, FormatFor("/etc/rules.yaml", ""))
	assert.Equal(t, FormatYAML, FormatFor("/etc/rules.YML", ""))
	assert.Equal(t, FormatYAML, FormatFor("/etc/rules.xml", "YAML"))

	_, err := Decode(strings.NewReader(""), "toml")
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.xml")
	require.NoError(t, os.WriteFile(path, []byte(sampleXML), 0o600))

	src := NewFileSource(path, "")
	assert.Equal(t, path, src.String())
	entries, err := src.Read()
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	missing := NewFileSource(filepath.Join(dir, "missing.xml"), "")
	_, err = missing.Read()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecodeXMLIncompleteRedirectRejected(t *testing.T) {
	input := `<configuration>
  <banned address="john.spam@domain.com" />
  <redirect pattern="^x" />
</configuration>`
	entries, err := DecodeXML(strings.NewReader(input))
	require.NoError(t, err)

	rs, err := rules.NewLoader(policy.ValidAddress, false).Parse(entries)
	require.Error(t, err)
	assert.Nil(t, rs)
	assert.ErrorIs(t, err, rules.ErrIncompleteEntry)

	var lerr *rules.LoadError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, 1, lerr.Index)
	assert.Equal(t, "^x", lerr.Entry.Pattern)
}
