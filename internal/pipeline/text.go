package pipeline

import (
	"sort"
	"strings"
	"unicode"

	"github.com/you/lexbatch/internal/storage"
)

const (
	DefaultChunkSize    = 2000
	DefaultChunkOverlap = 200
)

// SplitText cuts text into chunks of at most size bytes, preferring to break
// on whitespace, with overlap bytes repeated between neighbours. Offsets are
// byte offsets into text.
func SplitText(text string, size, overlap int) []storage.Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	var out []storage.Chunk
	for start := 0; start < len(text); {
		end := min(start+size, len(text))
		if end < len(text) {
			if cut := strings.LastIndexFunc(text[start:end], unicode.IsSpace); cut > size/2 {
				end = start + cut
			}
		}
		if body := strings.TrimSpace(text[start:end]); body != "" {
			out = append(out, storage.Chunk{
				Index:       len(out),
				Text:        body,
				StartOffset: start,
				EndOffset:   end,
			})
		}
		if end == len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return out
}

// NormalizeName folds case, punctuation and runs of whitespace so that
// surface variants of one entity compare equal.
func NormalizeName(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func entityKey(name, typ string) string { return typ + "|" + NormalizeName(name) }

// ResolveEntities merges mentions into canonical entities keyed by type and
// normalized name. The canonical name is the most frequent surface form,
// ties broken by the longer then lexically smaller form.
func ResolveEntities(mentions []storage.Mention) []storage.Entity {
	type group struct {
		typ   string
		forms map[string]int
		count int
	}
	groups := map[string]*group{}
	for _, m := range mentions {
		if NormalizeName(m.Text) == "" {
			continue
		}
		k := entityKey(m.Text, m.Type)
		g := groups[k]
		if g == nil {
			g = &group{typ: m.Type, forms: map[string]int{}}
			groups[k] = g
		}
		g.forms[m.Text]++
		g.count++
	}

	out := make([]storage.Entity, 0, len(groups))
	for _, g := range groups {
		var best string
		for form, n := range g.forms {
			bn := g.forms[best]
			if best == "" || n > bn || (n == bn && (len(form) > len(best) || (len(form) == len(best) && form < best))) {
				best = form
			}
		}
		out = append(out, storage.Entity{Name: best, Type: g.typ, MentionCount: g.count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RelationType links two entities mentioned in the same chunk.
const RelationType = "co_occurs_with"

// BuildRelationships links every pair of distinct entities that share a
// chunk. Weight counts the shared chunks.
func BuildRelationships(mentions []storage.Mention, entities []storage.Entity) []storage.Relationship {
	byKey := make(map[string]string, len(entities))
	for _, e := range entities {
		byKey[entityKey(e.Name, e.Type)] = e.ID
	}

	perChunk := map[string]map[string]struct{}{}
	for _, m := range mentions {
		id, ok := byKey[entityKey(m.Text, m.Type)]
		if !ok {
			continue
		}
		set := perChunk[m.ChunkID]
		if set == nil {
			set = map[string]struct{}{}
			perChunk[m.ChunkID] = set
		}
		set[id] = struct{}{}
	}

	type pair struct{ a, b string }
	weights := map[pair]int{}
	for _, set := range perChunk {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for i := range ids {
			for j := i + 1; j < len(ids); j++ {
				weights[pair{ids[i], ids[j]}]++
			}
		}
	}

	out := make([]storage.Relationship, 0, len(weights))
	for p, w := range weights {
		out = append(out, storage.Relationship{SourceEntityID: p.a, TargetEntityID: p.b, Type: RelationType, Weight: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceEntityID != out[j].SourceEntityID {
			return out[i].SourceEntityID < out[j].SourceEntityID
		}
		return out[i].TargetEntityID < out[j].TargetEntityID
	})
	return out
}
