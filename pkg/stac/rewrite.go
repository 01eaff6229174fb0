package stac

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type rewriteMode int

const (
	modeCopy rewriteMode = iota
	modeTop
	modeAssetMap
	modeLinkList
	modeHrefHolder
)

// FlattenHrefs rewrites every asset and link href of a metadata document
// to its basename. Key order is preserved. When no href changes, data is
// returned as is.
func FlattenHrefs(data []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	w := &hrefRewriter{dec: dec}

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}

	if err := w.value(tok, modeTop); err != nil {
		return nil, fmt.Errorf("rewriting hrefs: %w", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding JSON: %w", ErrTrailingData)
	}

	if !w.changed {
		return data, nil
	}

	return w.buf.Bytes(), nil
}

type hrefRewriter struct {
	dec     *json.Decoder
	buf     bytes.Buffer
	changed bool
}

func (w *hrefRewriter) value(tok json.Token, mode rewriteMode) error {
	delim, ok := tok.(json.Delim)
	if !ok {
		return w.scalar(tok)
	}

	switch delim {
	case '{':
		return w.object(mode)
	case '[':
		return w.array(mode)
	default:
		return fmt.Errorf("unexpected delimiter %q", delim)
	}
}

func (w *hrefRewriter) object(mode rewriteMode) error {
	w.buf.WriteByte('{')

	first := true

	for w.dec.More() {
		keyTok, err := w.dec.Token()
		if err != nil {
			return err
		}

		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("object key is %T", keyTok)
		}

		if !first {
			w.buf.WriteByte(',')
		}

		first = false

		if err := w.scalar(key); err != nil {
			return err
		}

		w.buf.WriteByte(':')

		valTok, err := w.dec.Token()
		if err != nil {
			return err
		}

		if href, isString := valTok.(string); isString && mode == modeHrefHolder && key == "href" {
			flat := Basename(href)
			if flat != href {
				w.changed = true
			}

			if err := w.scalar(flat); err != nil {
				return err
			}

			continue
		}

		if err := w.value(valTok, childMode(mode, key)); err != nil {
			return err
		}
	}

	if _, err := w.dec.Token(); err != nil {
		return err
	}

	w.buf.WriteByte('}')

	return nil
}

func (w *hrefRewriter) array(mode rewriteMode) error {
	w.buf.WriteByte('[')

	elemMode := modeCopy
	if mode == modeLinkList {
		elemMode = modeHrefHolder
	}

	first := true

	for w.dec.More() {
		tok, err := w.dec.Token()
		if err != nil {
			return err
		}

		if !first {
			w.buf.WriteByte(',')
		}

		first = false

		if err := w.value(tok, elemMode); err != nil {
			return err
		}
	}

	if _, err := w.dec.Token(); err != nil {
		return err
	}

	w.buf.WriteByte(']')

	return nil
}

func (w *hrefRewriter) scalar(tok json.Token) error {
	switch v := tok.(type) {
	case json.Number:
		w.buf.WriteString(v.String())
	case nil:
		w.buf.WriteString("null")
	default:
		enc := json.NewEncoder(&w.buf)
		enc.SetEscapeHTML(false)

		if err := enc.Encode(v); err != nil {
			return err
		}

		// Encode appends a newline.
		w.buf.Truncate(w.buf.Len() - 1)
	}

	return nil
}

func childMode(parent rewriteMode, key string) rewriteMode {
	switch parent {
	case modeTop:
		switch key {
		case "assets":
			return modeAssetMap
		case "links":
			return modeLinkList
		}
	case modeAssetMap:
		return modeHrefHolder
	}

	return modeCopy
}
