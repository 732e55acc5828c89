// Package extract distills a finished conversation into report fields with a
// single JSON-answering model call.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"balungpisah/pkg/ai"
	"balungpisah/pkg/domain"
	"balungpisah/pkg/store"
)

const maxTitleRunes = 120

// IntentClose is the create_report action for conversations with nothing to report.
const IntentClose = "close"

// Extractor turns thread messages into an ExtractionUpdate.
type Extractor struct {
	gen       ai.TextGenerator
	threshold float64
	now       func() time.Time
}

// New returns an Extractor that promotes reports scoring at least threshold.
func New(gen ai.TextGenerator, threshold float64) *Extractor {
	return &Extractor{gen: gen, threshold: threshold, now: time.Now}
}

// Result is one extraction. Missing names the required fields the answer lacked.
// Held explains why an otherwise complete answer was not promoted.
type Result struct {
	Update  store.ExtractionUpdate
	Missing []string
	Held    string
}

// Extract calls the model once and normalizes its answer. A report is only
// promoted when the confidence reaches the threshold, nothing is missing and
// the assistant's create_report intent on rep does not hold it back.
func (e *Extractor) Extract(ctx context.Context, rep domain.Report, messages []domain.Message) (Result, error) {
	transcript := Transcript(messages)
	if transcript == "" {
		return Result{}, ErrEmptyConversation
	}
	text, err := e.gen.GenerateText(ctx, systemPrompt(), userPrompt(transcript, e.now()))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrGenerate, err)
	}
	var ans answer
	if err := decodeAnswer(text, &ans); err != nil {
		return Result{}, err
	}
	res := ans.normalize()
	res.Update.Attachments = Attachments(messages)
	res.Held = e.holdReason(rep)
	res.Update.Promote = len(res.Missing) == 0 && res.Update.Confidence >= e.threshold && res.Held == ""
	return res, nil
}

// holdReason reports whether the assistant's own decision on the thread keeps
// the report in draft. A report without a recorded intent is never held.
func (e *Extractor) holdReason(rep domain.Report) string {
	switch {
	case rep.IntentAction == IntentClose:
		return "assistant closed the conversation without a report"
	case rep.IntentScore != nil && *rep.IntentScore < e.threshold:
		return fmt.Sprintf("assistant confidence %.2f below %.2f", *rep.IntentScore, e.threshold)
	}
	return ""
}

// Attachments collects the files citizens attached anywhere in the thread.
func Attachments(messages []domain.Message) []domain.File {
	seen := make(map[string]struct{})
	var out []domain.File
	for _, msg := range messages {
		if msg.Role != domain.RoleUserMessage {
			continue
		}
		for _, part := range msg.Content {
			if part.Type != domain.ContentFile || part.File == nil {
				continue
			}
			key := part.File.ID
			if key == "" {
				key = part.File.URL
			}
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, *part.File)
		}
	}
	return out
}

// answer accepts the current shape and the older single-category one.
type answer struct {
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Timeline        string           `json:"timeline"`
	Impact          string           `json:"impact"`
	Categories      []categoryAnswer `json:"categories"`
	CategorySlug    string           `json:"category_slug"`
	Severity        string           `json:"severity"`
	Location        locationAnswer   `json:"location"`
	LocationRaw     string           `json:"location_raw"`
	Confidence      score            `json:"confidence"`
	ConfidenceScore score            `json:"confidence_score"`
}

type categoryAnswer struct {
	Slug     string `json:"slug"`
	Severity string `json:"severity"`
}

func (a answer) normalize() Result {
	update := store.ExtractionUpdate{
		Title:       truncateRunes(strings.TrimSpace(a.Title), maxTitleRunes),
		Description: strings.TrimSpace(a.Description),
		Timeline:    strings.TrimSpace(a.Timeline),
		Impact:      strings.TrimSpace(a.Impact),
	}
	cats := a.Categories
	if len(cats) == 0 && a.CategorySlug != "" {
		cats = []categoryAnswer{{Slug: a.CategorySlug, Severity: a.Severity}}
	}
	update.Categories = normalizeCategories(cats)
	update.Location = normalizeLocation(domain.Location(a.Location), a.LocationRaw)
	conf := a.Confidence
	if !conf.set {
		conf = a.ConfidenceScore
	}
	update.Confidence = normalizeConfidence(conf.v)

	var missing []string
	if update.Title == "" {
		missing = append(missing, "title")
	}
	if update.Description == "" {
		missing = append(missing, "description")
	}
	if len(update.Categories) == 0 {
		missing = append(missing, "categories")
	}
	if update.Location.Raw == "" {
		missing = append(missing, "location.raw")
	}
	return Result{Update: update, Missing: missing}
}

// normalizeCategories keeps known slugs only, first occurrence wins.
func normalizeCategories(in []categoryAnswer) []domain.CategoryAssignment {
	known := make(map[string]struct{}, len(domain.KnownCategories))
	for _, slug := range domain.KnownCategories {
		known[slug] = struct{}{}
	}
	seen := make(map[string]struct{})
	var out []domain.CategoryAssignment
	for _, c := range in {
		slug := strings.ToLower(strings.TrimSpace(c.Slug))
		slug = strings.NewReplacer("_", "-", " ", "-").Replace(slug)
		if _, ok := known[slug]; !ok {
			continue
		}
		if _, dup := seen[slug]; dup {
			continue
		}
		seen[slug] = struct{}{}
		out = append(out, domain.CategoryAssignment{Slug: slug, Severity: normalizeSeverity(c.Severity)})
	}
	return out
}

func normalizeSeverity(raw string) domain.Severity {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low", "rendah", "ringan":
		return domain.SeverityLow
	case "high", "tinggi", "berat":
		return domain.SeverityHigh
	case "critical", "kritis", "darurat":
		return domain.SeverityCritical
	default:
		return domain.SeverityMedium
	}
}

// normalizeConfidence maps percentages onto 0..1 and clamps everything else.
func normalizeConfidence(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if v > 1 && v <= 100 {
		v /= 100
	}
	return math.Max(0, math.Min(1, v))
}

func normalizeLocation(loc domain.Location, fallbackRaw string) domain.Location {
	loc.Raw = strings.TrimSpace(loc.Raw)
	loc.Street = strings.TrimSpace(loc.Street)
	loc.Village = strings.TrimSpace(loc.Village)
	loc.District = strings.TrimSpace(loc.District)
	loc.Regency = strings.TrimSpace(loc.Regency)
	loc.Province = strings.TrimSpace(loc.Province)
	if loc.Raw == "" {
		loc.Raw = strings.TrimSpace(fallbackRaw)
	}
	if loc.Raw == "" {
		var parts []string
		for _, p := range []string{loc.Street, loc.Village, loc.District, loc.Regency, loc.Province} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		loc.Raw = strings.Join(parts, ", ")
	}
	return loc
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}

// score reads a confidence given as a number, a numeric string or a percentage string.
type score struct {
	v   float64
	set bool
}

func (s *score) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		s.v, s.set = n, true
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("confidence: %w", err)
	}
	str = strings.TrimSpace(str)
	percent := strings.HasSuffix(str, "%")
	str = strings.TrimSpace(strings.TrimSuffix(str, "%"))
	if str == "" {
		return nil
	}
	n, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("confidence %q: %w", str, err)
	}
	if percent {
		n /= 100
	}
	s.v, s.set = n, true
	return nil
}

// locationAnswer accepts either a bare string or a location object.
type locationAnswer domain.Location

func (l *locationAnswer) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err == nil {
		*l = locationAnswer{Raw: raw}
		return nil
	}
	var loc domain.Location
	if err := json.Unmarshal(b, &loc); err != nil {
		return fmt.Errorf("location: %w", err)
	}
	*l = locationAnswer(loc)
	return nil
}
