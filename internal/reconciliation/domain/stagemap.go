package domain

import (
	"strings"
	"unicode"
)

// diacriticReplacer folds the accented characters that occur in CRM stage
// labels to their closest ASCII form. The set is fixed on purpose: full
// Unicode normalization would fold characters the label table was never
// written against.
var diacriticReplacer = strings.NewReplacer(
	"ä", "a", "ö", "o", "ü", "u", "ß", "ss",
	"á", "a", "à", "a", "â", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i",
	"ó", "o", "ò", "o", "ô", "o",
	"ú", "u", "ù", "u", "û", "u",
	"ñ", "n", "ç", "c",
)

// NormalizeLabel canonicalizes a raw pipeline-stage display name for table
// lookup: lower-case, diacritics folded, everything that is not a letter,
// digit or whitespace (emoji included) stripped, whitespace collapsed.
// Total and deterministic for every input string.
func NormalizeLabel(raw string) string {
	lowered := diacriticReplacer.Replace(strings.ToLower(raw))

	var b strings.Builder
	for _, r := range lowered {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// StageMap maps normalized stage labels onto the internal funnel vocabulary.
// It is immutable configuration data: built once from an explicit label table
// and passed into the orchestrator, never a mutable global.
type StageMap struct {
	byLabel map[string]FunnelStage
}

// NewStageMap builds a StageMap from a label table. Keys are normalized with
// NormalizeLabel, so the table may be written with the original casing and
// diacritics. Entries mapping to an unknown funnel stage are dropped.
func NewStageMap(entries map[string]FunnelStage) StageMap {
	byLabel := make(map[string]FunnelStage, len(entries))
	for label, stage := range entries {
		if !stage.IsKnown() {
			continue
		}
		key := NormalizeLabel(label)
		if key == "" {
			continue
		}
		byLabel[key] = stage
	}
	return StageMap{byLabel: byLabel}
}

// Resolve turns a raw stage display name into the internal vocabulary.
// Mapped labels yield the funnel stage and its vocabulary string. Unmapped
// labels pass the raw original through as the stored stage so the CRM's
// wording is preserved verbatim; callers must treat an unmapped stage as
// informational and never derive flag transitions from it.
func (m StageMap) Resolve(raw string) (stage FunnelStage, stored string, mapped bool) {
	if found, ok := m.byLabel[NormalizeLabel(raw)]; ok {
		return found, string(found), true
	}
	return "", raw, false
}

// Len returns the number of label entries, for configuration diagnostics.
func (m StageMap) Len() int {
	return len(m.byLabel)
}
