package reindex

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Repository is the index document read by Open Mod Manager.
type Repository struct {
	XMLName    xml.Name   `xml:"Open_Mod_Manager_Repository" json:"-"`
	UUID       string     `xml:"uuid" json:"uuid"`
	Title      string     `xml:"title" json:"title"`
	Downpath   string     `xml:"downpath" json:"downpath"`
	References References `xml:"references" json:"references"`
}

type References struct {
	Count int   `xml:"count,attr" json:"count"`
	Mods  []Mod `xml:"mods" json:"mods"`
}

type Mod struct {
	Ident  string `xml:"ident,attr" json:"ident"`
	File   string `xml:"file,attr" json:"file"`
	Bytes  int64  `xml:"bytes,attr" json:"bytes"`
	XXHSum string `xml:"xxhsum,attr" json:"xxhsum"`
}

// Encoder renders a Repository into one published artifact.
type Encoder interface {
	Format() string
	Artifact() string
	Encode(w io.Writer, repo *Repository) error
}

type OMXEncoder struct{}

func (OMXEncoder) Format() string   { return "omx" }
func (OMXEncoder) Artifact() string { return "index.omx" }

func (OMXEncoder) Encode(w io.Writer, repo *Repository) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(repo); err != nil {
		return fmt.Errorf("encoding omx index: %w", err)
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

type JSONEncoder struct{}

func (JSONEncoder) Format() string   { return "json" }
func (JSONEncoder) Artifact() string { return "index.json" }

func (JSONEncoder) Encode(w io.Writer, repo *Repository) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(repo); err != nil {
		return fmt.Errorf("encoding json index: %w", err)
	}
	return nil
}

// Registry maps format names to encoders.
type Registry struct {
	encoders map[string]Encoder
}

func NewRegistry() *Registry {
	registry := &Registry{
		encoders: make(map[string]Encoder),
	}

	registry.Register(OMXEncoder{})
	registry.Register(JSONEncoder{})

	return registry
}

func (r *Registry) Register(enc Encoder) {
	r.encoders[strings.ToLower(enc.Format())] = enc
}

func (r *Registry) Get(format string) (Encoder, error) {
	if enc, ok := r.encoders[strings.ToLower(format)]; ok {
		return enc, nil
	}
	return nil, fmt.Errorf("unsupported index format: %s", format)
}

// Select resolves formats in order, dropping duplicates.
func (r *Registry) Select(formats []string) ([]Encoder, error) {
	var out []Encoder
	seen := make(map[string]bool)
	for _, f := range formats {
		enc, err := r.Get(f)
		if err != nil {
			return nil, err
		}
		if seen[enc.Format()] {
			continue
		}
		seen[enc.Format()] = true
		out = append(out, enc)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no index formats selected")
	}
	return out, nil
}

func (r *Registry) Formats() []string {
	formats := make([]string, 0, len(r.encoders))
	for f := range r.encoders {
		formats = append(formats, f)
	}
	sort.Strings(formats)
	return formats
}
