package urls

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInternalUrl(t *testing.T) {
	s := NewService(nil)
	cases := map[string]bool{
		"/":                true,
		"/about/":          true,
		"/news/2024/item/": true,
		"about/":           false,
		"/about":           false,
		"/a//b/":           false,
		"/with space/":     false,
		"/q?x=1/":          false,
		"https://x.io/":    false,
		"/" + strings.Repeat("a", MaxURLLength) + "/": false,
	}
	for raw, want := range cases {
		assert.Equal(t, want, s.ValidateInternalUrl(raw), raw)
	}
}

func TestValidateExternalUrl(t *testing.T) {
	s := NewService(nil)
	assert.True(t, s.ValidateExternalUrl("https://example.com/landing"))
	assert.True(t, s.ValidateExternalUrl("http://example.com"))
	assert.True(t, s.ValidateExternalUrl("/moved/"))
	assert.False(t, s.ValidateExternalUrl(""))
	assert.False(t, s.ValidateExternalUrl("ftp://example.com/file"))
	assert.False(t, s.ValidateExternalUrl("https:///nohost"))
	assert.False(t, s.ValidateExternalUrl("//evil.example.com/"))
	assert.False(t, s.ValidateExternalUrl("/has space/"))
}

func TestFixUrl(t *testing.T) {
	s := NewService(nil)
	assert.Equal(t, "/about/", s.FixUrl("about"))
	assert.Equal(t, "/a/b/", s.FixUrl(` a\\b `))
	assert.Equal(t, "/a/b/", s.FixUrl("//a///b"))
	assert.Equal(t, "/", s.FixUrl("   "))
	assert.Equal(t, "https://example.com/x", s.FixUrl(" https://example.com/x "))
}

func TestValidateUrlPatterns(t *testing.T) {
	patterns, err := CompilePatterns([]PatternConfig{
		{Expression: `^/(api|metrics)/`, Negate: true, Description: "{name} cannot point at a reserved path"},
	})
	require.NoError(t, err)
	s := NewService(patterns)

	message, ok := s.ValidateUrlPatterns("/api/pages/", "Redirect URL")
	assert.False(t, ok)
	assert.Equal(t, "Redirect URL cannot point at a reserved path", message)

	message, ok = s.ValidateUrlPatterns("/about/", "Redirect URL")
	assert.True(t, ok)
	assert.Empty(t, message)
}

func TestCompilePatternsRejectsBadExpression(t *testing.T) {
	_, err := CompilePatterns([]PatternConfig{{Expression: "("}})
	require.Error(t, err)
}

func TestUrlHashIgnoresCaseAndSpace(t *testing.T) {
	assert.Equal(t, UrlHash("/About/"), UrlHash(" /about/ "))
	assert.NotEqual(t, UrlHash("/about/"), UrlHash("/contact/"))
	assert.Len(t, UrlHash("/"), 32)
}

func TestAddPageUrlPostfix(t *testing.T) {
	s := NewService(nil)
	taken := map[string]bool{UrlHash("/blog/hello/"): true, UrlHash("/blog/hello-1/"): true}
	exists := func(_ context.Context, hash string) (bool, error) { return taken[hash], nil }

	got, err := s.AddPageUrlPostfix(context.Background(), "hello", "blog/%s", exists)
	require.NoError(t, err)
	assert.Equal(t, "/blog/hello-2/", got)

	got, err = s.AddPageUrlPostfix(context.Background(), "fresh", "", exists)
	require.NoError(t, err)
	assert.Equal(t, "/fresh/", got)

	boom := errors.New("boom")
	_, err = s.AddPageUrlPostfix(context.Background(), "x", "", func(context.Context, string) (bool, error) { return false, boom })
	require.ErrorIs(t, err, boom)
}

func TestTransliterate(t *testing.T) {
	assert.Equal(t, "creme-brulee-recipe", Transliterate("Crème Brûlée: recipe!", false))
	assert.Equal(t, "a-b", Transliterate("a/b", false))
	assert.Equal(t, "news/today", Transliterate("News / Today", true))
	assert.Equal(t, "", Transliterate("***", false))
}

func TestTransliterateOtherAlphabets(t *testing.T) {
	assert.Equal(t, "privet-mir", Transliterate("Привет мир", false))
	assert.Equal(t, "obekt", Transliterate("Объект", false))
	assert.Equal(t, "shchuka-i-ezh", Transliterate("Щука и ёж", false))
	assert.Equal(t, "ellada", Transliterate("Ελλάδα", false))
	assert.Equal(t, "strasse-oresund", Transliterate("Straße Øresund", false))
	assert.Equal(t, "novosti/segodnya", Transliterate("Новости / Сегодня", true))
	assert.Equal(t, "", Transliterate("日本語", false))
}

func TestAddPageUrlPostfixFallsBackForEmptySlug(t *testing.T) {
	s := NewService(nil)
	taken := map[string]bool{UrlHash("/"): true, UrlHash("/page/"): true, UrlHash("/news/"): true}
	exists := func(_ context.Context, hash string) (bool, error) { return taken[hash], nil }

	got, err := s.AddPageUrlPostfix(context.Background(), "", "", exists)
	require.NoError(t, err)
	assert.Equal(t, "/page-1/", got)
	assert.True(t, s.ValidateInternalUrl(got))

	got, err = s.AddPageUrlPostfix(context.Background(), "/", "news/%s", exists)
	require.NoError(t, err)
	assert.Equal(t, "/news/page/", got)
}
