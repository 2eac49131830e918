// Package patterns implements Tier A of the detection pipeline: a
// deterministic, category-labelled pattern bank evaluated against message
// text with zero network cost. Grounded structurally on the
// teacher's flag-accumulating deterministic detectors
// (internal/heuristics/watchlist.go's Evaluate) and semantically on
// original_source/src/analysis/regex_analyzer.py + triggers.py — same
// short-circuit order (length guard, exclusion veto, highest-confidence
// candidate, 0.80 acceptance floor).
package patterns

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/Viphunter83/userbot-orders/internal/models"
)

// AcceptanceFloor is the minimum confidence a candidate must clear to be
// returned to the caller.
const AcceptanceFloor = 0.80

// Detection is the result of a single analyze() call.
type Detection struct {
	Category       models.Category
	Confidence     float64
	Method         models.DetectionMethod
	MatchedPattern string
	MatchedText    string
}

type pattern struct {
	name       string
	compiled   *regexp.Regexp
	confidence float64
}

// Matcher is an immutable, read-only-after-construction pattern bank plus
// exclusion list. Safe for concurrent use without locking.
type Matcher struct {
	byCategory map[models.Category][]pattern
	exclude    []*regexp.Regexp
	floor      float64
}

// flags compiles patterns case-insensitive and multiline. RE2's \b and \w
// only know ASCII word characters, so compile rewrites them through
// unicodeBoundaries to keep matching Unicode-aware (Cyrillic included).
const flags = `(?i)(?m)`

// unicodeBoundaries turns each \b into an explicit non-letter/digit
// character (or line edge) and each \w into a Unicode letter/digit class.
// A gap between two word groups starts and ends on such a character and,
// as before, never spans a period or newline.
var unicodeBoundaries = strings.NewReplacer(
	`)\b[^.\n]{0,40}\b(`, `)[^\p{L}\p{N}_.\n](?:[^.\n]{0,40}[^\p{L}\p{N}_.\n])?(`,
	`)\b[^.\n]{0,60}\b(`, `)[^\p{L}\p{N}_.\n](?:[^.\n]{0,60}[^\p{L}\p{N}_.\n])?(`,
	`\b(`, `(?:^|[^\p{L}\p{N}_])(`,
	`)\b`, `)(?:[^\p{L}\p{N}_]|$)`,
	`\w`, `[\p{L}\p{N}_]`,
)

func compile(src string) *regexp.Regexp {
	return regexp.MustCompile(flags + unicodeBoundaries.Replace(src))
}

// New builds the default pattern bank using AcceptanceFloor.
func New() *Matcher {
	return NewWithFloor(AcceptanceFloor)
}

// NewWithFloor builds the default pattern bank with an operator-supplied
// acceptance floor (config.Config.RegexConfidenceFloor), in place of the
// AcceptanceFloor constant. Patterns are ordered by specificity within
// each category; the bank itself is evaluated in no particular order
// since the highest-confidence match always wins.
func NewWithFloor(floor float64) *Matcher {
	m := &Matcher{byCategory: make(map[models.Category][]pattern), floor: floor}

	add := func(cat models.Category, name string, confidence float64, src string) {
		m.byCategory[cat] = append(m.byCategory[cat], pattern{
			name:       name,
			compiled:   compile(src),
			confidence: confidence,
		})
	}

	// Backend
	add(models.CategoryBackend, "explicit_backend_dev_request", 0.93,
		`\b(ищ[ую]|нужен|нужна|требуется|need|looking for|hiring)\b[^.\n]{0,40}\b(backend|бэкенд|бекенд|python|django|fastapi|golang|go[- ]developer|node\.?js|java|спринг|spring|php|laravel)\b[^.\n]{0,40}\b(разработчик[а-я]*|программист[а-я]*|developer|dev|specialist|специалист[а-я]*)\b`)
	add(models.CategoryBackend, "api_or_microservice_request", 0.88,
		`\b(разраб[а-я]*|сделать|написать|build|develop)\b[^.\n]{0,40}\b(api|микросервис|microservice|backend|бэкенд|сервер|server[- ]side)\b`)
	add(models.CategoryBackend, "database_integration_request", 0.82,
		`\b(нужна? помощь|need help|кто может помочь)\b[^.\n]{0,60}\b(postgres|mysql|база данных|database|sql)\b`)

	// Frontend
	add(models.CategoryFrontend, "explicit_frontend_dev_request", 0.93,
		`\b(ищ[ую]|нужен|нужна|требуется|need|looking for|hiring)\b[^.\n]{0,40}\b(frontend|фронтенд|react|vue|angular|javascript|typescript|верстальщик|html/?css)\b[^.\n]{0,40}\b(разработчик[а-я]*|программист[а-я]*|developer|dev|верстальщик[а-я]*|specialist|специалист[а-я]*)\b`)
	add(models.CategoryFrontend, "landing_or_website_request", 0.85,
		`\b(сделать|нужен|нужна|need|build|develop)\b[^.\n]{0,40}\b(landing|лендинг|сайт|website|webapp|веб[- ]?приложение)\b`)
	add(models.CategoryFrontend, "ui_ux_help_request", 0.80,
		`\b(нужна? помощь|need help)\b[^.\n]{0,60}\b(версткой|css|ui|ux|интерфейс)\b`)

	// Mobile
	add(models.CategoryMobile, "explicit_mobile_dev_request", 0.93,
		`\b(ищ[ую]|нужен|нужна|требуется|need|looking for|hiring)\b[^.\n]{0,40}\b(mobile|мобильн\w+|ios|android|flutter|react[- ]native|kotlin|swift)\b[^.\n]{0,40}\b(разработчик[а-я]*|программист[а-я]*|developer|dev|specialist|специалист[а-я]*)\b`)
	add(models.CategoryMobile, "app_build_request", 0.85,
		`\b(сделать|разработать|need|build|develop)\b[^.\n]{0,40}\b(мобильное приложение|mobile app|ios[- ]app|android[- ]app)\b`)

	// AI/ML
	add(models.CategoryAIML, "explicit_aiml_dev_request", 0.92,
		`\b(ищ[ую]|нужен|нужна|требуется|need|looking for|hiring)\b[^.\n]{0,40}\b(ml|ai|машинн\w+ обучени\w+|machine learning|llm|нейросет\w+|нейросеть)\b[^.\n]{0,40}\b(разработчик[а-я]*|программист[а-я]*|developer|dev|specialist|специалист[а-я]*|инженер[а-я]*|engineer)\b`)
	add(models.CategoryAIML, "chatgpt_integration_request", 0.85,
		`\b(нужна? помощь|need help|кто может помочь)\b[^.\n]{0,60}\b(chatgpt|gpt|интеграци\w+ (?:ai|ии|нейросет\w+)|llm api)\b`)

	// Low-Code
	add(models.CategoryLowCode, "nocode_platform_request", 0.88,
		`\b(ищ[ую]|нужен|нужна|требуется|need|looking for)\b[^.\n]{0,40}\b(bubble|webflow|tilda|no[- ]?code|low[- ]?code|bitrix24|n8n|zapier|make\.com)\b[^.\n]{0,40}\b(специалист[а-я]*|developer|разработчик[а-я]*|эксперт[а-я]*)\b`)

	// Exclusion patterns: commerce/spam/social signals that veto a match
	// regardless of later category hits.
	exclude := []string{
		`\b(продам|куплю|продаю|скидк\w+|распродажа|акция|for sale|discount|buy now)\b`,
		`\b(как дела|встретимся|погулять|кофе|свидание|let'?s meet|how are you)\b`,
		`\b(казино|ставки|крипто[- ]?сигналы|casino|forex signals|инвестиции в|заработок без вложений)\b`,
		`\b(подпишись|подписывайтесь|канал про|subscribe to my channel)\b`,
	}
	for _, src := range exclude {
		m.exclude = append(m.exclude, compile(src))
	}

	return m
}

// Analyze short-circuits below 3 trimmed characters, applies the
// exclusion veto, then picks the highest-confidence candidate, returned
// only if it clears the matcher's acceptance floor.
func (m *Matcher) Analyze(text string) *Detection {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < 3 {
		return nil
	}

	for _, ex := range m.exclude {
		if ex.MatchString(text) {
			return nil
		}
	}

	var best *Detection
	for category, plist := range m.byCategory {
		for _, p := range plist {
			loc := p.compiled.FindStringIndex(text)
			if loc == nil {
				continue
			}
			if best == nil || p.confidence > best.Confidence {
				best = &Detection{
					Category:       category,
					Confidence:     p.confidence,
					Method:         models.DetectionRegex,
					MatchedPattern: p.name,
					MatchedText:    text[loc[0]:loc[1]],
				}
			}
		}
	}

	if best == nil || best.Confidence < m.floor {
		return nil
	}
	return best
}
