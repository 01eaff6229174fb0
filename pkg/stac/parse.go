package stac

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrTrailingData is returned when a document holds more than one value.
var ErrTrailingData = errors.New("unexpected data after top-level value")

// Document is a decoded STAC document. Numbers are kept as json.Number.
type Document struct {
	Value any
	// Duplicates lists every object key that appeared more than once within
	// the same object, in encounter order. The first value of a duplicated
	// key is kept.
	Duplicates []string
	// AssetKeys lists the keys of the top-level assets object in source
	// order.
	AssetKeys []string
}

type parser struct {
	dec       *json.Decoder
	dups      []string
	assetKeys []string
}

// Object returns the document as a JSON object, or nil.
func (d *Document) Object() map[string]any {
	obj, _ := d.Value.(map[string]any)

	return obj
}

// Parse decodes data while recording duplicate object keys instead of
// silently keeping the last one.
func Parse(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	p := &parser{dec: dec}

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}

	value, err := p.value(tok, true, nil)
	if err != nil {
		return nil, fmt.Errorf("decoding JSON: %w", err)
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding JSON: %w", ErrTrailingData)
	}

	return &Document{Value: value, Duplicates: p.dups, AssetKeys: p.assetKeys}, nil
}

// value decodes the value starting at tok. When order is set, the keys of
// an object value are appended to it in encounter order.
func (p *parser) value(tok json.Token, root bool, order *[]string) (any, error) {
	dec := p.dec

	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch delim {
	case '{':
		obj := make(map[string]any)

		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}

			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("object key is %T", keyTok)
			}

			valTok, err := dec.Token()
			if err != nil {
				return nil, err
			}

			_, seen := obj[key]

			var childOrder *[]string
			if root && key == "assets" && !seen {
				childOrder = &[]string{}
			}

			val, err := p.value(valTok, false, childOrder)
			if err != nil {
				return nil, err
			}

			if seen {
				p.dups = append(p.dups, key)

				continue
			}

			if childOrder != nil {
				p.assetKeys = *childOrder
			}

			if order != nil {
				*order = append(*order, key)
			}

			obj[key] = val
		}

		if _, err := dec.Token(); err != nil {
			return nil, err
		}

		return obj, nil
	case '[':
		arr := make([]any, 0)

		for dec.More() {
			valTok, err := dec.Token()
			if err != nil {
				return nil, err
			}

			val, err := p.value(valTok, false, nil)
			if err != nil {
				return nil, err
			}

			arr = append(arr, val)
		}

		if _, err := dec.Token(); err != nil {
			return nil, err
		}

		return arr, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", delim)
	}
}

// DuplicateMessage formats the failure message for a duplicated key.
func DuplicateMessage(key, url string) string {
	return fmt.Sprintf("Found duplicate object name “%s” in “%s”", key, url)
}

// Links returns the href of every link with rel in obj.
func Links(obj map[string]any, rels ...string) []string {
	raw, _ := obj["links"].([]any)

	var hrefs []string

	for _, l := range raw {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}

		rel, _ := link["rel"].(string)
		href, _ := link["href"].(string)

		if href == "" {
			continue
		}

		for _, want := range rels {
			if rel == want {
				hrefs = append(hrefs, href)

				break
			}
		}
	}

	return hrefs
}

// Asset is an asset entry of a STAC document.
type Asset struct {
	Key      string
	Href     string
	Checksum string
}

// Assets returns the assets of the document that carry an href, in source
// order.
func (d *Document) Assets() []Asset {
	raw, _ := d.Object()["assets"].(map[string]any)

	assets := make([]Asset, 0, len(d.AssetKeys))

	for _, k := range d.AssetKeys {
		entry, ok := raw[k].(map[string]any)
		if !ok {
			continue
		}

		href, _ := entry["href"].(string)
		if href == "" {
			continue
		}

		checksum, _ := entry["file:checksum"].(string)

		assets = append(assets, Asset{Key: k, Href: href, Checksum: checksum})
	}

	return assets
}
