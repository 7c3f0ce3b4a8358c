package obex

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/syncctl/internal/logging"
)

// TimestampLayout is the folder-listing date format, YYYYMMDD'T'HHMMSS.
const TimestampLayout = "20060102T150405"

// FolderListingItem is one entry of a folder listing. Size 0 marks a folder.
type FolderListingItem struct {
	Name      string
	Timestamp time.Time
	Size      uint64
}

func (i FolderListingItem) IsFolder() bool {
	return i.Size == 0
}

func (i FolderListingItem) HasTimestamp() bool {
	return !i.Timestamp.IsZero()
}

var doctypePattern = regexp.MustCompile(`(?s)<!DOCTYPE[^>]*>`)

type listingDoc struct {
	XMLName xml.Name       `xml:"folder-listing"`
	Entries []listingEntry `xml:",any"`
}

type listingEntry struct {
	XMLName  xml.Name
	Name     string `xml:"name,attr"`
	Size     string `xml:"size,attr"`
	Modified string `xml:"modified,attr"`
	Created  string `xml:"created,attr"`
}

// ParseFolderListing decodes an x-obex/folder-listing body and returns its
// folder and file entries sorted by SortListing. Entry-level problems are
// logged and degrade that entry; only a malformed document is an error.
func ParseFolderListing(data []byte) ([]FolderListingItem, error) {
	logger := logging.For("obex")
	clean := doctypePattern.ReplaceAll(data, nil)

	var doc listingDoc
	dec := xml.NewDecoder(bytes.NewReader(clean))
	dec.Strict = true
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("obex: parse folder listing: %w", err)
	}

	items := make([]FolderListingItem, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		kind := e.XMLName.Local
		if kind != "folder" && kind != "file" {
			continue
		}
		if strings.TrimSpace(e.Name) == "" {
			logger.Warn().Str("kind", kind).Msg("listing entry without name")
			continue
		}
		item := FolderListingItem{Name: e.Name}

		stamp := e.Modified
		if stamp == "" {
			stamp = e.Created
		}
		if stamp != "" {
			ts, err := time.ParseInLocation(TimestampLayout, stamp, time.Local)
			if err != nil {
				logger.Warn().Err(err).Str("name", e.Name).Str("timestamp", stamp).Msg("bad listing timestamp")
			} else {
				item.Timestamp = ts
			}
		}

		if kind == "file" {
			size, err := strconv.ParseUint(strings.TrimSpace(e.Size), 10, 64)
			if err != nil {
				logger.Warn().Err(err).Str("name", e.Name).Str("size", e.Size).Msg("bad listing size")
				continue
			}
			item.Size = size
		}
		items = append(items, item)
	}
	SortListing(items)
	return items, nil
}

// SortListing orders folders before files and newer entries first within
// each group. Entries without a timestamp sort last in their group.
func SortListing(items []FolderListingItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.IsFolder() != b.IsFolder() {
			return a.IsFolder()
		}
		return a.Timestamp.After(b.Timestamp)
	})
}
