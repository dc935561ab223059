package segmenter

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/papergloss/backend/internal/domain"
)

// Options control segmentation. Both values come from the config store so a
// reload applies to the next document; boundaries of a document already
// segmented never change.
type Options struct {
	// SkipThreshold: blocks with fewer trimmed runes than this are passed
	// through untouched.
	SkipThreshold int
	// MaxChars: paragraphs longer than this many runes are split further on
	// sentence boundaries.
	MaxChars int
}

var (
	// Markdown-style heading or a numbered title such as "1.", "2.3" or
	// "第三章 ...". Numbered titles only count when the line is short enough
	// to plausibly be a title.
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+\S`)
	numberedHeading = regexp.MustCompile(`^(\d+(\.\d+)*[.、)）]?\s+\S|第[一二三四五六七八九十百\d]+[章节部分篇]\b)`)

	// Sentence boundaries for long-paragraph splitting. CJK full stops and
	// their ASCII counterparts.
	sentenceEnd = regexp.MustCompile(`[。！？；.!?;]`)
)

const titleMaxRunes = 60

// Segment splits a document into ordered segments with contiguous ordinals
// from 0. It is deterministic: the same input always yields the same
// boundaries, kinds, and ordinals. It fails only on empty input; every length
// or content heuristic degrades to best effort instead of erroring.
func Segment(doc domain.Document, opts Options) ([]*domain.Segment, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return nil, &domain.SegmentationError{Reason: "document text is empty"}
	}

	blocks := splitBlocks(doc.Text, opts.MaxChars)
	segments := make([]*domain.Segment, 0, len(blocks))
	for i, block := range blocks {
		seg := &domain.Segment{
			ID:         uuid.New(),
			Ordinal:    i,
			SourceText: block,
			Kind:       classify(block, opts.SkipThreshold),
			Status:     domain.SegmentPending,
			Attempts:   make(map[domain.Stage]int),
		}
		if seg.Kind == domain.KindSkip {
			// Pass-through: reassembly never special-cases skipped segments.
			seg.Status = domain.SegmentDone
			seg.Stage1Result = block
			seg.Stage2Result = block
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// splitBlocks breaks the text on paragraph boundaries and further splits any
// paragraph longer than maxChars on sentence boundaries, keeping each piece
// under the bound where the source punctuation allows it.
func splitBlocks(text string, maxChars int) []string {
	var blocks []string
	for _, para := range strings.Split(text, "\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if maxChars <= 0 || utf8.RuneCountInString(para) <= maxChars {
			blocks = append(blocks, para)
			continue
		}
		blocks = append(blocks, splitLongParagraph(para, maxChars)...)
	}
	return blocks
}

func splitLongParagraph(para string, maxChars int) []string {
	sentences := splitSentences(para)
	var out []string
	var cur strings.Builder
	curLen := 0
	for _, sent := range sentences {
		n := utf8.RuneCountInString(sent)
		if curLen > 0 && curLen+n > maxChars {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
		cur.WriteString(sent)
		curLen += n
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitSentences cuts after each sentence-ending rune, keeping the punctuation
// attached to its sentence.
func splitSentences(s string) []string {
	locs := sentenceEnd.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return []string{s}
	}
	var parts []string
	prev := 0
	for _, loc := range locs {
		parts = append(parts, s[prev:loc[1]])
		prev = loc[1]
	}
	if prev < len(s) {
		parts = append(parts, s[prev:])
	}
	return parts
}

func classify(block string, skipThreshold int) domain.SegmentKind {
	if isHeading(block) {
		return domain.KindHeading
	}
	if utf8.RuneCountInString(strings.TrimSpace(block)) < skipThreshold {
		return domain.KindSkip
	}
	return domain.KindBody
}

func isHeading(block string) bool {
	if markdownHeading.MatchString(block) {
		return true
	}
	return utf8.RuneCountInString(block) <= titleMaxRunes && numberedHeading.MatchString(block)
}
