// Package definition reads rule definitions from files and watches them for changes.
package definition

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/inbucket/rcptfilter/pkg/rules"
	"gopkg.in/yaml.v3"
)

// Supported definition formats.
const (
	FormatXML  = "xml"
	FormatYAML = "yaml"
)

// FormatFor returns the format to use for path: format if set, otherwise one derived from
// the file extension, defaulting to XML.
func FormatFor(path, format string) string {
	if format != "" {
		return strings.ToLower(format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatXML
}

// Decode parses a definition in the named format.
func Decode(r io.Reader, format string) ([]rules.Entry, error) {
	switch format {
	case FormatXML:
		return DecodeXML(r)
	case FormatYAML:
		return DecodeYAML(r)
	}
	return nil, fmt.Errorf("unknown definition format %q", format)
}

// DecodeXML reads <banned address="..."/> and <redirect pattern="..." address="..."/>
// elements at any depth, in document order.  Other elements are ignored.
func DecodeXML(r io.Reader) ([]rules.Entry, error) {
	d := xml.NewDecoder(r)
	entries := make([]rules.Entry, 0)
	sawRoot := false
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		switch start.Name.Local {
		case "banned":
			entries = append(entries, rules.Entry{
				Kind:    rules.KindBan,
				Address: attr(start, "address"),
			})
		case "redirect":
			entries = append(entries, rules.Entry{
				Kind:    rules.KindRedirect,
				Pattern: attr(start, "pattern"),
				Address: attr(start, "address"),
			})
		}
	}
	if !sawRoot {
		return nil, errors.New("no XML document element")
	}
	return entries, nil
}

func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

type yamlDocument struct {
	Rules []yamlRule `yaml:"rules"`
}

type yamlRule struct {
	Banned *struct {
		Address string `yaml:"address"`
	} `yaml:"banned"`
	Redirect *struct {
		Pattern string `yaml:"pattern"`
		Address string `yaml:"address"`
	} `yaml:"redirect"`
}

// DecodeYAML reads a document of the form:
//
//	rules:
//	  - banned: {address: john.spam@domain.com}
//	  - redirect: {pattern: '^john.*@domain\.com$', address: john@domain.com}
func DecodeYAML(r io.Reader) ([]rules.Entry, error) {
	var doc yamlDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty YAML document")
		}
		return nil, err
	}
	entries := make([]rules.Entry, 0, len(doc.Rules))
	for i, r := range doc.Rules {
		switch {
		case r.Banned != nil && r.Redirect == nil:
			entries = append(entries, rules.Entry{Kind: rules.KindBan, Address: r.Banned.Address})
		case r.Redirect != nil && r.Banned == nil:
			entries = append(entries, rules.Entry{
				Kind:    rules.KindRedirect,
				Pattern: r.Redirect.Pattern,
				Address: r.Redirect.Address,
			})
		default:
			return nil, fmt.Errorf("rule %d: want exactly one of banned or redirect", i)
		}
	}
	return entries, nil
}
