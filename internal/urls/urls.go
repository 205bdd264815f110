package urls

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const MaxURLLength = 850

// Pattern restricts which internal URLs may be used. A URL passes when it
// matches Expression, or when it does not match and Negate is set.
// Description may contain {name}, replaced by the name of the validated
// field.
type Pattern struct {
	Expression  *regexp.Regexp
	Negate      bool
	Description string
}

type PatternConfig struct {
	Expression  string `mapstructure:"expression"`
	Negate      bool   `mapstructure:"negate"`
	Description string `mapstructure:"description"`
}

func CompilePatterns(items []PatternConfig) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(items))
	for _, item := range items {
		expr, err := regexp.Compile(item.Expression)
		if err != nil {
			return nil, fmt.Errorf("compile url pattern %q: %w", item.Expression, err)
		}
		patterns = append(patterns, Pattern{Expression: expr, Negate: item.Negate, Description: item.Description})
	}
	return patterns, nil
}

// ExistsFunc reports whether a URL hash is already taken.
type ExistsFunc func(ctx context.Context, urlHash string) (bool, error)

type Service struct {
	patterns []Pattern
}

func NewService(patterns []Pattern) *Service {
	return &Service{patterns: patterns}
}

var internalSegment = regexp.MustCompile(`^[^\s?#:*<>|"\\%&]+$`)

// ValidateInternalUrl reports whether raw is a site-relative page URL of
// the form /segment/segment/.
func (s *Service) ValidateInternalUrl(raw string) bool {
	if raw == "/" {
		return true
	}
	if len(raw) > MaxURLLength || !strings.HasPrefix(raw, "/") || !strings.HasSuffix(raw, "/") {
		return false
	}
	for _, segment := range strings.Split(strings.Trim(raw, "/"), "/") {
		if !internalSegment.MatchString(segment) {
			return false
		}
	}
	return true
}

// ValidateExternalUrl accepts absolute http(s) URLs and site-relative paths.
func (s *Service) ValidateExternalUrl(raw string) bool {
	if raw == "" || len(raw) > MaxURLLength || strings.ContainsAny(raw, " \t\r\n") {
		return false
	}
	if strings.HasPrefix(raw, "/") {
		_, err := url.ParseRequestURI(raw)
		return err == nil && !strings.HasPrefix(raw, "//")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

// ValidateUrlPatterns checks raw against the configured patterns and
// returns the message of the first one that fails.
func (s *Service) ValidateUrlPatterns(raw, name string) (string, bool) {
	for _, pattern := range s.patterns {
		if pattern.Expression.MatchString(raw) == pattern.Negate {
			return strings.ReplaceAll(pattern.Description, "{name}", name), false
		}
	}
	return "", true
}

// FixUrl normalises a user-typed path: forward slashes only, no repeated
// slashes, leading and trailing slash. Absolute URLs are returned trimmed.
func (s *Service) FixUrl(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	if strings.Contains(raw, "://") {
		return raw
	}
	raw = strings.ReplaceAll(raw, `\`, "/")
	for strings.Contains(raw, "//") {
		raw = strings.ReplaceAll(raw, "//", "/")
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	if !strings.HasSuffix(raw, "/") && !strings.ContainsAny(raw, "?#") {
		raw += "/"
	}
	return raw
}

// UrlHash is the lookup key stored alongside every page, node and
// redirect URL.
func UrlHash(raw string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(raw))))
	return hex.EncodeToString(sum[:])
}

// fallbackSlug names a page whose title has nothing left after
// transliteration.
const fallbackSlug = "page"

// AddPageUrlPostfix formats slug through prefixPattern (a format string
// with one %s verb), fixes the result and appends -1, -2, ... to the last
// segment until exists reports the URL as free.
func (s *Service) AddPageUrlPostfix(ctx context.Context, slug, prefixPattern string, exists ExistsFunc) (string, error) {
	slug = strings.Trim(strings.TrimSpace(slug), "/")
	if slug == "" {
		slug = fallbackSlug
	}
	if prefixPattern == "" {
		prefixPattern = "%s"
	}
	base := s.FixUrl(fmt.Sprintf(prefixPattern, slug))

	candidate := base
	for i := 1; ; i++ {
		taken, err := exists(ctx, UrlHash(candidate))
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = strings.TrimSuffix(base, "/") + "-" + strconv.Itoa(i) + "/"
	}
}

// latin spells letters of other alphabets, and Latin letters that have no
// decomposed form, in ASCII.
var latin = map[rune]string{
	// Cyrillic
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'ґ': "g", 'д': "d", 'е': "e", 'ё': "e",
	'є': "ye", 'ж': "zh", 'з': "z", 'и': "i", 'і': "i", 'ї': "yi", 'й': "y",
	'к': "k", 'л': "l", 'м': "m", 'н': "n", 'о': "o", 'п': "p", 'р': "r",
	'с': "s", 'т': "t", 'у': "u", 'ў': "u", 'ф': "f", 'х': "kh", 'ц': "ts",
	'ч': "ch", 'ш': "sh", 'щ': "shch", 'ъ': "", 'ы': "y", 'ь': "", 'э': "e",
	'ю': "yu", 'я': "ya", 'ђ': "dj", 'ј': "j", 'љ': "lj", 'њ': "nj", 'ћ': "c",
	'џ': "dz", 'ѓ': "gj", 'ќ': "kj", 'ѕ': "dz",
	// Greek
	'α': "a", 'β': "v", 'γ': "g", 'δ': "d", 'ε': "e", 'ζ': "z", 'η': "i",
	'θ': "th", 'ι': "i", 'κ': "k", 'λ': "l", 'μ': "m", 'ν': "n", 'ξ': "x",
	'ο': "o", 'π': "p", 'ρ': "r", 'σ': "s", 'ς': "s", 'τ': "t", 'υ': "y",
	'φ': "f", 'χ': "ch", 'ψ': "ps", 'ω': "o",
	// Latin without a decomposition
	'ß': "ss", 'æ': "ae", 'œ': "oe", 'ø': "o", 'ł': "l", 'đ': "d", 'ð': "d",
	'þ': "th", 'ı': "i", 'ħ': "h",
}

// Transliterate turns a title into a URL slug: accents are stripped,
// Cyrillic and Greek letters are spelled in Latin, and runs of anything
// else collapse to a single dash. When allowSlash is set, slashes are kept
// as segment separators. Titles in other scripts may give an empty slug.
func Transliterate(title string, allowSlash bool) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		spelled, known := latin[r]
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case known:
			if spelled != "" {
				b.WriteString(spelled)
				dash = false
			}
		case r == '/' && allowSlash:
			trimmed := strings.TrimSuffix(b.String(), "-")
			b.Reset()
			b.WriteString(trimmed)
			b.WriteRune('/')
			dash = true
		default:
			if !dash && b.Len() > 0 {
				b.WriteRune('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
