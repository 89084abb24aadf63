// Package markup converts word-processor documents into sanitized HTML for
// inline preview.
//
// Only the OOXML container (.docx) is understood: the archive is opened,
// word/document.xml is walked token by token and rebuilt as an HTML node tree
// covering headings, paragraphs, run formatting, line breaks, list items and
// tables. Legacy binary documents are rejected with ErrInvalidArchive so the
// caller can offer a download or an external viewer instead.
package markup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrInvalidArchive is returned when the payload is not a readable
	// word-processor archive.
	ErrInvalidArchive = errors.New("invalid document archive")
	// ErrMalformedContent is returned when the archive is readable but its
	// main document part cannot be parsed.
	ErrMalformedContent = errors.New("malformed document content")
)

// oleMagic prefixes legacy compound binary documents.
var oleMagic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

const mainPart = "word/document.xml"

// Config configures a Converter.
type Config struct {
	// MaxPartSize caps the uncompressed size of word/document.xml (default: 64 MB).
	MaxPartSize int64
}

func (c *Config) defaults() {
	if c.MaxPartSize <= 0 {
		c.MaxPartSize = 64 * 1024 * 1024
	}
}

// Converter turns document bytes into sanitized HTML.
type Converter struct {
	cfg    Config
	policy *bluemonday.Policy
}

// New creates a Converter with the given configuration.
func New(cfg Config) *Converter {
	cfg.defaults()
	return &Converter{
		cfg:    cfg,
		policy: bluemonday.UGCPolicy(),
	}
}

// Convert returns the sanitized HTML rendition of data. The result may be
// blank for documents with no visible text; the caller decides what that means.
func (c *Converter) Convert(ctx context.Context, data []byte) (string, error) {
	if bytes.HasPrefix(data, oleMagic) {
		return "", fmt.Errorf("%w: legacy binary document", ErrInvalidArchive)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	var part *zip.File
	for _, f := range zr.File {
		if f.Name == mainPart {
			part = f
			break
		}
	}
	if part == nil {
		return "", fmt.Errorf("%w: %s not found in archive", ErrInvalidArchive, mainPart)
	}

	rc, err := part.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", ErrInvalidArchive, mainPart, err)
	}
	defer rc.Close()

	root, err := buildTree(ctx, io.LimitReader(rc, c.cfg.MaxPartSize))
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	for n := root.FirstChild; n != nil; n = n.NextSibling {
		if err := html.Render(&buf, n); err != nil {
			return "", fmt.Errorf("render markup: %w", err)
		}
	}
	return c.policy.Sanitize(buf.String()), nil
}

// runStyle is the formatting of the current text run.
type runStyle struct {
	bold, italic, underline bool
}

// runState is the run-level walk state, saved while a nested paragraph is open.
type runState struct {
	style                  runStyle
	inRun, inProps, inText bool
}

// paragraph collects the inline nodes of a w:p until it closes. Paragraphs
// nested inside it (text boxes, shapes) are rendered into boxed and placed
// after it.
type paragraph struct {
	style  string
	isList bool
	inline []*html.Node
	boxed  []*html.Node
	saved  runState
}

// walker holds the token-walk state for one document part.
type walker struct {
	root       *html.Node
	containers []*html.Node // root, then nested table cells and text boxes
	tables     []*html.Node
	para       *paragraph
	outer      []*paragraph
	run        runStyle
	inRun      bool
	inRunProps bool
	inText     bool
}

func buildTree(ctx context.Context, r io.Reader) (*html.Node, error) {
	root := element(atom.Div)
	w := &walker{root: root, containers: []*html.Node{root}}

	dec := xml.NewDecoder(r)
	for i := 0; ; i++ {
		if i%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedContent, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			w.start(t)
		case xml.EndElement:
			w.end(t)
		case xml.CharData:
			if w.inText && w.para != nil {
				w.text(string(t))
			}
		}
	}
	return root, nil
}

func (w *walker) container() *html.Node {
	return w.containers[len(w.containers)-1]
}

func (w *walker) start(t xml.StartElement) {
	switch t.Name.Local {
	case "tbl":
		tbl := element(atom.Table)
		w.container().AppendChild(tbl)
		w.tables = append(w.tables, tbl)
	case "tr":
		if len(w.tables) > 0 {
			w.tables[len(w.tables)-1].AppendChild(element(atom.Tr))
		}
	case "tc":
		if len(w.tables) > 0 {
			row := w.tables[len(w.tables)-1].LastChild
			if row == nil {
				row = element(atom.Tr)
				w.tables[len(w.tables)-1].AppendChild(row)
			}
			cell := element(atom.Td)
			row.AppendChild(cell)
			w.containers = append(w.containers, cell)
		}
	case "p":
		if w.para != nil {
			w.para.saved = runState{w.run, w.inRun, w.inRunProps, w.inText}
			w.outer = append(w.outer, w.para)
			w.containers = append(w.containers, element(atom.Div))
		}
		w.para = &paragraph{}
		w.run = runStyle{}
		w.inRun, w.inRunProps, w.inText = false, false, false
	case "pStyle":
		if w.para != nil {
			w.para.style = attr(t, "val")
		}
	case "numPr":
		if w.para != nil {
			w.para.isList = true
		}
	case "r":
		w.inRun = true
		w.run = runStyle{}
	case "rPr":
		w.inRunProps = w.inRun
	case "b":
		if w.inRunProps {
			w.run.bold = enabled(t)
		}
	case "i":
		if w.inRunProps {
			w.run.italic = enabled(t)
		}
	case "u":
		if w.inRunProps {
			w.run.underline = attr(t, "val") != "none"
		}
	case "t":
		w.inText = w.inRun
	case "br", "cr":
		if w.inRun && w.para != nil {
			w.para.inline = append(w.para.inline, element(atom.Br))
		}
	case "tab":
		if w.inRun && w.para != nil {
			w.text("\t")
		}
	}
}

func (w *walker) end(t xml.EndElement) {
	switch t.Name.Local {
	case "tbl":
		if len(w.tables) > 0 {
			w.tables = w.tables[:len(w.tables)-1]
		}
	case "tc":
		if len(w.containers) > 1 {
			w.containers = w.containers[:len(w.containers)-1]
		}
	case "p":
		w.flush()
		w.closeNested()
	case "r":
		w.inRun = false
		w.inRunProps = false
	case "rPr":
		w.inRunProps = false
	case "t":
		w.inText = false
	}
}

func (w *walker) text(s string) {
	n := &html.Node{Type: html.TextNode, Data: s}
	if w.run.underline {
		n = wrap(atom.U, n)
	}
	if w.run.italic {
		n = wrap(atom.Em, n)
	}
	if w.run.bold {
		n = wrap(atom.Strong, n)
	}
	w.para.inline = append(w.para.inline, n)
}

// flush turns the pending paragraph into a block element in the current
// container, followed by any blocks nested inside it.
func (w *walker) flush() {
	p := w.para
	w.para = nil
	if p == nil {
		return
	}
	if hasText(p.inline) {
		w.appendBlock(p)
	}
	for _, n := range p.boxed {
		w.container().AppendChild(n)
	}
}

// closeNested resumes the enclosing paragraph after a nested one closes.
func (w *walker) closeNested() {
	n := len(w.outer)
	if n == 0 {
		return
	}
	outer := w.outer[n-1]
	w.outer = w.outer[:n-1]

	box := w.containers[len(w.containers)-1]
	w.containers = w.containers[:len(w.containers)-1]
	for c := box.FirstChild; c != nil; c = box.FirstChild {
		box.RemoveChild(c)
		outer.boxed = append(outer.boxed, c)
	}

	w.para = outer
	w.run = outer.saved.style
	w.inRun, w.inRunProps, w.inText = outer.saved.inRun, outer.saved.inProps, outer.saved.inText
}

func (w *walker) appendBlock(p *paragraph) {
	parent := w.container()
	var block *html.Node
	switch level := headingLevel(p.style); {
	case level > 0:
		block = element(headingAtoms[level-1])
	case p.isList:
		list := parent.LastChild
		if list == nil || list.DataAtom != atom.Ul {
			list = element(atom.Ul)
			parent.AppendChild(list)
		}
		parent = list
		block = element(atom.Li)
	default:
		block = element(atom.P)
	}
	for _, n := range p.inline {
		block.AppendChild(n)
	}
	parent.AppendChild(block)
}

var headingAtoms = []atom.Atom{atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6}

// headingLevel maps a paragraph style id to a heading level, 0 for body text.
// e.g. "Heading1" -> 1, "Title" -> 1, "Subtitle" -> 2.
func headingLevel(style string) int {
	lower := strings.ToLower(style)
	switch lower {
	case "title":
		return 1
	case "subtitle":
		return 2
	}
	for _, prefix := range []string{"heading", "titre", "überschrift"} {
		if rest, ok := strings.CutPrefix(lower, prefix); ok {
			if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '6' {
				return int(rest[0] - '0')
			}
		}
	}
	return 0
}

func element(a atom.Atom) *html.Node {
	return &html.Node{Type: html.ElementNode, DataAtom: a, Data: a.String()}
}

func wrap(a atom.Atom, child *html.Node) *html.Node {
	n := element(a)
	n.AppendChild(child)
	return n
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// enabled reads an OOXML on/off property such as <w:b/> or <w:b w:val="0"/>.
func enabled(t xml.StartElement) bool {
	switch attr(t, "val") {
	case "0", "false", "off":
		return false
	}
	return true
}

func hasText(nodes []*html.Node) bool {
	for _, n := range nodes {
		if textOf(n) != "" {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return strings.TrimSpace(n.Data)
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textOf(c))
	}
	return sb.String()
}
