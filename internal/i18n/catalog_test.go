package i18n

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/language"
)

func TestMatch(t *testing.T) {
	cases := map[string]language.Tag{
		"":                 language.English,
		"en":               language.English,
		"id":               language.Indonesian,
		"id-ID,en;q=0.8":   language.Indonesian,
		"fr-FR":            language.English,
		"de,id;q=0.5":      language.Indonesian,
		"%%not-a-language": language.English,
	}
	for in, want := range cases {
		assert.Equal(t, want, Match(in), in)
	}
}

func TestCatalog_T(t *testing.T) {
	en := New("en")
	assert.Equal(t, "You are back online.", en.T("backOnline"))
	assert.Equal(t, "3 offline change(s) sent.", en.T("queueProcessed", 3))
	assert.Equal(t, "missingKey", en.T("missingKey"))

	id := New("id-ID")
	assert.Equal(t, language.Indonesian, id.Lang())
	assert.Equal(t, "Anda kembali daring.", id.T("backOnline"))
	assert.Equal(t, "2 perubahan luring gagal dikirim.", id.T("queueFailed", 2))
}

func TestCatalog_EveryLanguageHasEveryKey(t *testing.T) {
	for _, tag := range Supported() {
		for key := range messages[language.English] {
			assert.NotEmpty(t, messages[tag][key], "%s: %s", tag, key)
		}
	}
}
