package forestfs

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mwantia/forestfs/data"
)

// Order selects the query mode: a chronological scan over the
// forest-wide timeline, or a hierarchical depth-first walk.
type Order string

const (
	OrderNewest Order = "newest"
	OrderOldest Order = "oldest"
	OrderFind   Order = "find"
)

// TimePoint is a chronological resumption point.
type TimePoint struct {
	Time int64  `json:"time"`
	UUID string `json:"uuid"`
}

// QueryRequest describes one query against the forest. Places must
// already be permission-filtered by the caller; the engine trusts
// them.
type QueryRequest struct {
	Places []*Node
	Order  Order

	// Maximum records to return, 0 for unlimited
	Count int

	// Filters
	Name     string   // case-insensitive substring on the entry name
	Types    []string // explicit format list, e.g. ["JPEG","PNG"]
	Class    string   // media class shortcut: image, video, audio, document
	Tags     []int    // tag-set superset check
	FileOnly bool     // hierarchical mode: skip directories

	CountOnly    bool
	GroupByPlace bool

	// Chronological resumption, at most one of the two
	StartInclusive *TimePoint
	StartExclusive *TimePoint

	// Hierarchical resumption
	CursorPlace int
	Cursor      *IterCursor
}

// QueryRecord is one denormalized result row.
type QueryRecord struct {
	UUID string         `json:"uuid"`
	Type data.EntryType `json:"type"`

	// Index into the requested places and the name-path below it
	Place    int      `json:"place"`
	Namepath []string `json:"namepath"`

	Size     int64           `json:"size,omitempty"`
	Mtime    int64           `json:"mtime"`
	Hash     string          `json:"hash,omitempty"`
	Tags     []int           `json:"tags,omitempty"`
	Metadata *data.MediaMeta `json:"metadata,omitempty"`
}

// QueryResult carries either records, a bare count, or per-place
// counts, depending on the request flags.
type QueryResult struct {
	Records     []QueryRecord `json:"records,omitempty"`
	Count       int           `json:"count"`
	PlaceCounts []int         `json:"placeCounts,omitempty"`
}

// classFormats expands a media class shortcut into its format set.
var classFormats = map[string][]string{
	"image":    {"JPEG", "PNG", "GIF", "BMP", "TIFF", "HEIC", "WEBP"},
	"video":    {"MP4", "MOV", "AVI", "MKV", "WEBM", "3GP"},
	"audio":    {"MP3", "FLAC", "WAV", "AAC", "OGG", "M4A"},
	"document": {"PDF", "TXT", "MD", "DOC", "DOCX", "XLS", "XLSX", "PPT", "PPTX"},
}

// formatOf derives an entry's format from its extension.
func formatOf(name string) string {
	ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(name), "."))
	switch ext {
	case "JPG":
		return "JPEG"
	case "TIF":
		return "TIFF"
	}
	return ext
}

// Query answers one query. Chronological orders scan the timeline
// from the requested resumption point; find walks each place
// depth-first. Both apply the same name/type/tag filters.
func (f *Forest) Query(req *QueryRequest) (*QueryResult, error) {
	flt, err := compileFilter(req)
	if err != nil {
		return nil, err
	}

	switch req.Order {
	case OrderNewest, OrderOldest:
		return f.scanTimeline(req, flt)
	case OrderFind:
		return f.walkPlaces(req, flt)
	}
	return nil, fmt.Errorf("%w: unknown order %q", data.ErrInvalid, req.Order)
}

// scanTimeline runs the chronological mode under the forest lock.
func (f *Forest) scanTimeline(req *QueryRequest, flt *queryFilter) (*QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	res := &QueryResult{}
	if req.GroupByPlace {
		res.PlaceCounts = make([]int, len(req.Places))
	}

	var skip *TimePoint
	if req.StartExclusive != nil {
		skip = req.StartExclusive
	}

	iter := func(te TimelineEntry) bool {
		if skip != nil && te.Mtime == skip.Time && te.UUID == skip.UUID {
			return true
		}

		n := f.nodes[te.UUID]
		if n == nil || !flt.matchFile(n) {
			return true
		}

		place, namepath := f.matchPlace(n, req.Places)
		if place < 0 {
			return true
		}

		res.Count++
		if req.CountOnly || req.GroupByPlace {
			if req.GroupByPlace {
				res.PlaceCounts[place]++
			}
			return true
		}

		res.Records = append(res.Records, recordOf(n, place, namepath))
		return req.Count == 0 || len(res.Records) < req.Count
	}

	pivot, havePivot := TimelineEntry{}, false
	switch {
	case req.StartInclusive != nil:
		pivot = TimelineEntry{Mtime: req.StartInclusive.Time, UUID: req.StartInclusive.UUID}
		havePivot = true
	case req.StartExclusive != nil:
		pivot = TimelineEntry{Mtime: req.StartExclusive.Time, UUID: req.StartExclusive.UUID}
		havePivot = true
	}

	if req.Order == OrderNewest {
		if havePivot {
			f.timeline.Descend(pivot, iter)
		} else {
			f.timeline.Reverse(iter)
		}
	} else {
		if havePivot {
			f.timeline.Ascend(pivot, iter)
		} else {
			f.timeline.Scan(iter)
		}
	}

	return res, nil
}

// walkPlaces runs the hierarchical mode. Iterate takes the forest
// lock per place, so this must not hold it.
func (f *Forest) walkPlaces(req *QueryRequest, flt *queryFilter) (*QueryResult, error) {
	res := &QueryResult{}
	if req.GroupByPlace {
		res.PlaceCounts = make([]int, len(req.Places))
	}
	if req.CursorPlace < 0 || (len(req.Places) > 0 && req.CursorPlace >= len(req.Places)) {
		return nil, fmt.Errorf("%w: cursor place out of range", data.ErrInvalid)
	}

	for pi := req.CursorPlace; pi < len(req.Places); pi++ {
		var cursor *IterCursor
		if pi == req.CursorPlace {
			cursor = req.Cursor
		}

		place := pi
		stopped := f.Iterate(req.Places[pi], cursor, func(n *Node, namepath []string) bool {
			if !flt.matchNode(n, req.FileOnly) {
				return true
			}

			res.Count++
			if req.CountOnly || req.GroupByPlace {
				if req.GroupByPlace {
					res.PlaceCounts[place]++
				}
				return true
			}

			res.Records = append(res.Records, recordOf(n, place, namepath))
			return req.Count == 0 || len(res.Records) < req.Count
		})

		if stopped {
			break
		}
	}

	return res, nil
}

// matchPlace finds the first requested place whose subtree contains
// the node and the node's name-path relative to it. Called under the
// forest lock.
func (f *Forest) matchPlace(n *Node, places []*Node) (int, []string) {
	chain := f.nodepath(n)
	if len(chain) == 0 {
		return -1, nil
	}

	pos := make(map[string]int, len(chain))
	for i, anc := range chain[:len(chain)-1] {
		pos[anc.UUID] = i
	}

	for pi, place := range places {
		at, ok := pos[place.UUID]
		if !ok {
			continue
		}
		rel := make([]string, 0, len(chain)-at-1)
		for _, c := range chain[at+1:] {
			rel = append(rel, c.Name)
		}
		return pi, rel
	}
	return -1, nil
}

func recordOf(n *Node, place int, namepath []string) QueryRecord {
	return QueryRecord{
		UUID:     n.UUID,
		Type:     n.Type,
		Place:    place,
		Namepath: namepath,
		Size:     n.Size,
		Mtime:    n.Mtime,
		Hash:     n.Hash,
		Tags:     n.Tags,
		Metadata: n.Media,
	}
}

type queryFilter struct {
	name  string
	types map[string]struct{}
	tags  []int
}

func compileFilter(req *QueryRequest) (*queryFilter, error) {
	flt := &queryFilter{
		name: strings.ToLower(req.Name),
		tags: req.Tags,
	}

	formats := req.Types
	if req.Class != "" {
		expanded, ok := classFormats[req.Class]
		if !ok {
			return nil, fmt.Errorf("%w: unknown media class %q", data.ErrInvalid, req.Class)
		}
		formats = append(expanded, formats...)
	}
	if len(formats) > 0 {
		flt.types = make(map[string]struct{}, len(formats))
		for _, t := range formats {
			flt.types[strings.ToUpper(t)] = struct{}{}
		}
	}

	if err := data.ValidateTags(req.Tags); err != nil {
		return nil, err
	}
	return flt, nil
}

func (flt *queryFilter) matchFile(n *Node) bool {
	if n.IsDirectory() {
		return false
	}
	if flt.name != "" && !strings.Contains(strings.ToLower(n.Name), flt.name) {
		return false
	}
	if flt.types != nil {
		if _, ok := flt.types[formatOf(n.Name)]; !ok {
			return false
		}
	}
	if len(flt.tags) > 0 {
		s := data.Stat{Tags: n.Tags}
		if !s.HasTags(flt.tags) {
			return false
		}
	}
	return true
}

// matchNode extends matchFile to directories for the hierarchical
// mode: directories carry no format or tags, so any type or tag
// filter excludes them.
func (flt *queryFilter) matchNode(n *Node, fileOnly bool) bool {
	if !n.IsDirectory() {
		return flt.matchFile(n)
	}
	if fileOnly || flt.types != nil || len(flt.tags) > 0 {
		return false
	}
	if flt.name != "" && !strings.Contains(strings.ToLower(n.Name), flt.name) {
		return false
	}
	return true
}
