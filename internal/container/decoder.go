// Package container decodes Ableton Live Set files: gzip-compressed XML
// exposed as a pull-based token stream so the decompressed document never
// has to be held in memory.
package container

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/franz/live-indexer/internal/util"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// readBufferSize is the window between the file and the gzip reader
const readBufferSize = 64 * 1024

// TokenKind identifies the kind of markup token
type TokenKind int

const (
	StartElement TokenKind = iota + 1
	EndElement
	CharData
)

func (k TokenKind) String() string {
	switch k {
	case StartElement:
		return "start"
	case EndElement:
		return "end"
	case CharData:
		return "chardata"
	default:
		return "unknown"
	}
}

// Attr is a single element attribute
type Attr struct {
	Name  string
	Value string
}

// Token is one unit of the embedded markup.
// Text aliases the decoder's internal buffer and is only valid until the
// next call to Next.
type Token struct {
	Kind  TokenKind
	Name  string
	Attrs []Attr
	Text  []byte
}

// Attr returns the value of the named attribute
func (t Token) Attr(name string) (string, bool) {
	for _, a := range t.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Decoder streams tokens from a compressed project file
type Decoder struct {
	gz     *gzip.Reader
	xd     *xml.Decoder
	closer io.Closer
	done   bool
}

// NewDecoder reads the compression header from r and prepares the token
// stream. The header is validated eagerly so a non-gzip file fails here.
func NewDecoder(r io.Reader) (*Decoder, error) {
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReaderSize(r, readBufferSize)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, classify(err)
	}
	// Ableton writes a single member; trailing garbage is not our concern.
	gz.Multistream(false)

	xd := xml.NewDecoder(gz)
	xd.Strict = true
	xd.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		if strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}

	return &Decoder{gz: gz, xd: xd}, nil
}

// Open opens a project file on disk and returns a decoder over it
func Open(path string) (*Decoder, error) {
	f, err := util.RetryableOpen(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open project file: %w", err)
	}

	d, err := NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.closer = f
	return d, nil
}

// Next returns the next token. It returns io.EOF once the root element has
// been closed and the stream is exhausted.
func (d *Decoder) Next() (Token, error) {
	for {
		if d.done {
			return Token{}, io.EOF
		}

		tok, err := d.xd.Token()
		if err != nil {
			if err == io.EOF {
				d.done = true
				return Token{}, io.EOF
			}
			return Token{}, classify(err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			out := Token{Kind: StartElement, Name: t.Name.Local}
			if len(t.Attr) > 0 {
				out.Attrs = make([]Attr, len(t.Attr))
				for i, a := range t.Attr {
					out.Attrs[i] = Attr{Name: a.Name.Local, Value: a.Value}
				}
			}
			return out, nil
		case xml.EndElement:
			return Token{Kind: EndElement, Name: t.Name.Local}, nil
		case xml.CharData:
			return Token{Kind: CharData, Text: t}, nil
		default:
			// comments, processing instructions and directives carry no data
			continue
		}
	}
}

// InputOffset returns the number of decompressed bytes consumed so far
func (d *Decoder) InputOffset() int64 {
	return d.xd.InputOffset()
}

// Close releases the decompressor and the underlying file, if any
func (d *Decoder) Close() error {
	err := d.gz.Close()
	if d.closer != nil {
		if cerr := d.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// classify maps low-level decompression and markup errors onto the
// container error taxonomy.
func classify(err error) error {
	var corrupt flate.CorruptInputError
	var syntax *xml.SyntaxError

	switch {
	case errors.Is(err, gzip.ErrHeader):
		return fmt.Errorf("%w: invalid compression header", util.ErrCorruptContainer)
	case errors.Is(err, gzip.ErrChecksum):
		return fmt.Errorf("%w: checksum mismatch", util.ErrCorruptContainer)
	case errors.As(err, &corrupt):
		return fmt.Errorf("%w: %v", util.ErrCorruptContainer, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: compressed stream ended early", util.ErrTruncatedData)
	case errors.As(err, &syntax):
		if strings.Contains(syntax.Msg, "unexpected EOF") {
			return fmt.Errorf("%w: document ended at line %d", util.ErrTruncatedData, syntax.Line)
		}
		return fmt.Errorf("%w: line %d: %s", util.ErrMalformedContent, syntax.Line, syntax.Msg)
	default:
		return err
	}
}
