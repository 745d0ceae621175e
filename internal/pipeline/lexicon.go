package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"github.com/cohortforge/sieve/internal/types"
)

// Rule-based entity enumeration for criteria the extraction model returned
// without entity spans. A keyword lexicon keyed by entity type plus a phrase
// capture for condition mentions. Deliberately not exhaustive; anything the
// rules miss surfaces at review as an unstructured criterion.

// conditionPhraseRe captures the noun phrase after the usual clinical
// hedges, e.g. "history of hepatic impairment" -> "hepatic impairment".
var conditionPhraseRe = regexp.MustCompile(
	`(?i)(?:history of|diagnosis of|diagnosed with|known|active|evidence of|presence of|prior)\s+` +
		`([a-z][a-z0-9\- ]{2,60}?)` +
		`(?:\s+(?:within|in the (?:last|past)|requiring|treated)\b|[,.;:]|$)`)

type lexRule struct {
	kind types.EntityType
	re   *regexp.Regexp
}

// lexRules run in priority order; span overlap suppression means an earlier
// rule's match blocks later rules from re-claiming the same words.
var lexRules = []lexRule{
	{types.EntityDemographic, regexp.MustCompile(
		`(?i)\b(aged?|years of age|male|female|sex|gender|pregnan[a-z]*|breast-?feeding|body mass index|bmi)\b`)},
	{types.EntityLabValue, regexp.MustCompile(
		`(?i)\b(hba1c|hemoglobin a1c|glycated hemoglobin|hemoglobin|hematocrit|creatinine clearance|creatinine|egfr|alt|ast|` +
			`alanine aminotransferase|aspartate aminotransferase|bilirubin|platelet count|platelets?|` +
			`white blood cells?|wbc|absolute neutrophil count|anc|glucose|ldl|hdl|cholesterol|triglycerides?|` +
			`inr|albumin|potassium|sodium|qtcf?)\b`)},
	{types.EntityBiomarker, regexp.MustCompile(
		`(?i)\b(her2|egfr mutation|pd-?l1|brca[12]?|kras|braf|alk|ros1|msi|tmb)\b`)},
	{types.EntityMedication, regexp.MustCompile(
		`(?i)\b([a-z]+(?:mab|nib|statin|cillin|prazole|sartan|azole|mycin|cycline)|insulin|metformin|warfarin|heparin|` +
			`aspirin|corticosteroids?|steroids?|immunotherapy|anticoagulants?|antibiotics?|contraceptives?)\b`)},
	{types.EntityProcedure, regexp.MustCompile(
		`(?i)\b(surgery|surgical procedures?|transplants?|transplantation|dialysis|radiation therapy|radiotherapy|` +
			`chemotherapy|biopsy|transfusions?|ablation|resection|bypass)\b`)},
	{types.EntityCondition, regexp.MustCompile(
		`(?i)\b([a-z-]+(?:itis|emia|oma|pathy|osis|iasis)|diabetes(?: mellitus)?|hypertension|cancer|carcinoma|` +
			`malignanc(?:y|ies)|hepatitis [a-e]|hepatitis|hiv|copd|asthma|epilepsy|stroke|myocardial infarction|` +
			`heart failure|renal (?:impairment|failure)|hepatic (?:impairment|failure)|substance abuse)\b`)},
}

const maxLexiconHits = 8

func lexiconScan(text string) []types.ExtractedEntity {
	type hit struct {
		start, end int
		text       string
		kind       types.EntityType
	}
	var hits []hit
	seen := make(map[string]bool)
	add := func(start, end int, kind types.EntityType) {
		surface := strings.TrimSpace(text[start:end])
		key := strings.ToLower(surface)
		if key == "" || seen[key] {
			return
		}
		for _, h := range hits {
			if start < h.end && end > h.start {
				return
			}
		}
		seen[key] = true
		hits = append(hits, hit{start, end, surface, kind})
	}

	for _, m := range conditionPhraseRe.FindAllStringSubmatchIndex(text, -1) {
		add(m[2], m[3], types.EntityCondition)
	}
	for _, rule := range lexRules {
		for _, m := range rule.re.FindAllStringIndex(text, -1) {
			add(m[0], m[1], rule.kind)
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })
	if len(hits) > maxLexiconHits {
		hits = hits[:maxLexiconHits]
	}
	out := make([]types.ExtractedEntity, len(hits))
	for i, h := range hits {
		start, end := h.start, h.end
		out[i] = types.ExtractedEntity{
			Text:       h.text,
			EntityType: h.kind,
			SpanStart:  &start,
			SpanEnd:    &end,
		}
	}
	return out
}
