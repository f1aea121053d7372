package routing

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/af-corp/rudder/internal/config"
	"github.com/af-corp/rudder/internal/types"
)

// LanguageDetector classifies raw request text. Implementations must be
// deterministic and return LangMultilingual when inconclusive.
type LanguageDetector interface {
	Detect(text string) types.Language
}

// DetectorFunc adapts a plain function to the LanguageDetector interface.
type DetectorFunc func(text string) types.Language

func (f DetectorFunc) Detect(text string) types.Language { return f(text) }

// asciiEnglishRatio is the share of ASCII runes above which text is
// classified as english.
const asciiEnglishRatio = 0.8

// ASCIIDetector classifies text as english when most of its runes are
// ASCII, and multilingual otherwise. Empty text is inconclusive.
type ASCIIDetector struct{}

func (ASCIIDetector) Detect(text string) types.Language {
	if text == "" {
		return types.LangMultilingual
	}
	total, ascii := 0, 0
	for _, r := range text {
		total++
		if r < utf8.RuneSelf {
			ascii++
		}
	}
	if float64(ascii)/float64(total) > asciiEnglishRatio {
		return types.LangEnglish
	}
	return types.LangMultilingual
}

// Extractor derives RequestFeatures from raw text and caller hints. It is a
// pure function of its inputs plus the pluggable detector; tuning
// coefficients come from configuration.
type Extractor struct {
	detector LanguageDetector
	cfg      config.ExtractorConfig
	keywords []string
}

// NewExtractor builds an extractor with the given tuning. A nil detector
// falls back to the ASCII-ratio detector.
func NewExtractor(cfg config.ExtractorConfig, detector LanguageDetector) *Extractor {
	if detector == nil {
		detector = ASCIIDetector{}
	}
	keywords := make([]string, 0, len(cfg.DeepKeywords))
	for _, k := range cfg.DeepKeywords {
		keywords = append(keywords, strings.ToLower(k))
	}
	return &Extractor{detector: detector, cfg: cfg, keywords: keywords}
}

// Extract computes the features of one request. Hints always win over
// inferred values. The token estimate is a ceiling so validation never
// passes a request that would overflow a context window.
func (e *Extractor) Extract(text string, hints types.Hints) types.RequestFeatures {
	charLen := utf8.RuneCountInString(text)

	lang := e.detector.Detect(text)
	if hints.Language != "" {
		lang = hints.Language
	}

	tokens := e.estimateTokens(charLen, lang)
	if hints.TokenEstimate > 0 {
		tokens = hints.TokenEstimate
	}

	task := types.TaskChat
	if hints.TaskType != "" {
		task = hints.TaskType
	}

	complexity := e.classifyComplexity(text, tokens)
	if hints.Complexity != "" {
		complexity = hints.Complexity
	}

	return types.RequestFeatures{
		TaskType:      task,
		TokenEstimate: tokens,
		Language:      lang,
		Complexity:    complexity,
		RawCharLength: charLen,
	}
}

func (e *Extractor) estimateTokens(charLen int, lang types.Language) int {
	ratio := e.cfg.DefaultCharsPerToken
	if lang == types.LangEnglish {
		ratio = e.cfg.EnglishCharsPerToken
	}
	if ratio < 1 {
		ratio = 1
	}
	return int(math.Ceil(float64(charLen) / ratio))
}

// classifyComplexity is monotonic in the token estimate: longer requests
// with identical lexical signals are never classified shallower.
func (e *Extractor) classifyComplexity(text string, tokens int) types.Complexity {
	if e.cfg.DeepTokenThreshold > 0 && tokens >= e.cfg.DeepTokenThreshold {
		return types.ComplexityDeep
	}
	lower := strings.ToLower(text)
	for _, k := range e.keywords {
		if strings.Contains(lower, k) {
			return types.ComplexityDeep
		}
	}
	return types.ComplexityShallow
}
