package recorder

import (
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultEncodingName is used when a label is unknown. HTML labels such as
// iso-8859-1, latin1 and us-ascii resolve to it as well.
const DefaultEncodingName = "windows-1252"

// Encoding is a text encoding resolved for character replay.
type Encoding struct {
	name   string
	enc    encoding.Encoding
	single *charmap.Charmap
}

// LookupEncoding resolves a charset label. Unknown labels fall back to
// windows-1252 so every byte still maps to exactly one character.
func LookupEncoding(label string) Encoding {
	e, err := htmlindex.Get(label)
	if err != nil {
		e = charmap.Windows1252
	}
	name, err := htmlindex.Name(e)
	if err != nil {
		name = label
	}
	out := Encoding{name: name, enc: e}
	if cm, ok := e.(*charmap.Charmap); ok {
		out.single = cm
	}
	return out
}

// SniffEncoding determines the encoding of an HTML payload from its first
// bytes and the declared Content-Type.
func SniffEncoding(content []byte, contentType string) Encoding {
	_, name, _ := charset.DetermineEncoding(content, contentType)
	return LookupEncoding(name)
}

// SniffBodyEncoding sniffs the encoding of the captured body. Only the
// in-memory prefix is consulted.
func (r *Recorder) SniffBodyEncoding(contentType string) Encoding {
	end := r.Size()
	if end > int64(len(r.prefix)) {
		end = int64(len(r.prefix))
	}
	start := r.bodyStart
	if start > end {
		start = end
	}
	return SniffEncoding(r.prefix[start:end], contentType)
}

// Name returns the canonical encoding name.
func (e Encoding) Name() string {
	return e.name
}

// SingleByte reports whether every byte decodes to exactly one character.
func (e Encoding) SingleByte() bool {
	return e.single != nil
}
