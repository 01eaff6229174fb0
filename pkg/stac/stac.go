// Package stac holds the STAC document helpers shared by the walker, the
// importer and the catalog maintainer.
package stac

import (
	"path"
	"strings"
)

// Version is the STAC version of catalogs written by the service.
const Version = "1.0.0"

// Link relation types.
const (
	RelRoot   = "root"
	RelSelf   = "self"
	RelParent = "parent"
	RelChild  = "child"
	RelItem   = "item"
)

// MediaTypeJSON is the media type of catalog links.
const MediaTypeJSON = "application/json"

const s3Scheme = "s3://"

// Link is a STAC link object.
type Link struct {
	Rel   string `json:"rel"`
	Href  string `json:"href"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Catalog is a STAC catalog as written by the catalog maintainer.
type Catalog struct {
	StacVersion string `json:"stac_version"`
	Type        string `json:"type"`
	ID          string `json:"id"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description"`
	Links       []Link `json:"links"`
}

// NewCatalog returns an empty catalog with a self link.
func NewCatalog(id, title, description string) *Catalog {
	return &Catalog{
		StacVersion: Version,
		Type:        "Catalog",
		ID:          id,
		Title:       title,
		Description: description,
		Links:       []Link{},
	}
}

// HasLink reports whether a link with rel and href exists.
func (c *Catalog) HasLink(rel, href string) bool {
	for _, l := range c.Links {
		if l.Rel == rel && l.Href == href {
			return true
		}
	}

	return false
}

// SetLink replaces every link of rel with a single link to href. Used for
// the singular relations root, self and parent.
func (c *Catalog) SetLink(rel, href string) {
	links := make([]Link, 0, len(c.Links)+1)
	links = append(links, Link{Rel: rel, Href: href, Type: MediaTypeJSON})

	for _, l := range c.Links {
		if l.Rel != rel {
			links = append(links, l)
		}
	}

	c.Links = links
}

// AddChild appends a child link unless it is already present. It reports
// whether the catalog changed.
func (c *Catalog) AddChild(href, title string) bool {
	if c.HasLink(RelChild, href) {
		return false
	}

	c.Links = append(c.Links, Link{
		Rel:   RelChild,
		Href:  href,
		Type:  MediaTypeJSON,
		Title: title,
	})

	return true
}

// ResolveURL resolves href against the URL of the document containing it.
// Absolute s3:// hrefs are kept, a leading "./" is dropped and everything
// else is joined to the parent's directory.
func ResolveURL(href, parentURL string) string {
	if strings.HasPrefix(href, s3Scheme) {
		return CleanURL(href)
	}

	href = strings.TrimPrefix(href, "./")

	dir := parentURL
	if i := strings.LastIndex(parentURL, "/"); i >= 0 {
		dir = parentURL[:i]
	}

	return CleanURL(dir + "/" + href)
}

// CleanURL lexically cleans the path of a URL without collapsing the
// double slash of the scheme.
func CleanURL(u string) string {
	if rest, ok := strings.CutPrefix(u, s3Scheme); ok {
		return s3Scheme + strings.TrimPrefix(path.Clean("/"+rest), "/")
	}

	return path.Clean(u)
}

// Basename returns the last element of an href.
func Basename(href string) string {
	return path.Base(strings.TrimPrefix(href, s3Scheme))
}

// Relative returns the href of target as seen from a document stored at
// from. Both are bucket keys.
func Relative(from, target string) string {
	fromDir := path.Dir(from)
	if fromDir == "." {
		return "./" + target
	}

	fromParts := strings.Split(fromDir, "/")
	targetParts := strings.Split(target, "/")

	common := 0
	for common < len(fromParts) && common < len(targetParts)-1 &&
		fromParts[common] == targetParts[common] {
		common++
	}

	ups := len(fromParts) - common
	rel := strings.Join(targetParts[common:], "/")

	if ups == 0 {
		return "./" + rel
	}

	return strings.Repeat("../", ups) + rel
}
