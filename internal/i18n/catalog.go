// Package i18n holds the banner and notification strings shown by the
// offline layer, in every language the front end ships.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

var supported = []language.Tag{language.English, language.Indonesian}

var messages = map[language.Tag]map[string]string{
	language.English: {
		"offline":            "Offline",
		"offlineMessage":     "You are offline. Cached documents are still available.",
		"offlineWarning":     "Connection lost. Changes will be saved and sent when you are back online.",
		"backOnline":         "You are back online.",
		"connectionRestored": "Connection restored",
		"actionQueued":       "Saved offline. It will be sent when the connection returns.",
		"processingQueue":    "Sending changes made while offline...",
		"queueProcessed":     "%d offline change(s) sent.",
		"queueFailed":        "%d offline change(s) could not be sent.",
		"availableOffline":   "Document available offline.",
		"updateAvailable":    "A new version is available and has been activated.",
		"retry":              "Retry",
	},
	language.Indonesian: {
		"offline":            "Luring",
		"offlineMessage":     "Anda sedang luring. Dokumen yang tersimpan tetap dapat dibuka.",
		"offlineWarning":     "Koneksi terputus. Perubahan akan disimpan dan dikirim saat Anda kembali daring.",
		"backOnline":         "Anda kembali daring.",
		"connectionRestored": "Koneksi pulih",
		"actionQueued":       "Disimpan secara luring. Akan dikirim saat koneksi kembali.",
		"processingQueue":    "Mengirim perubahan yang dibuat saat luring...",
		"queueProcessed":     "%d perubahan luring terkirim.",
		"queueFailed":        "%d perubahan luring gagal dikirim.",
		"availableOffline":   "Dokumen tersedia secara luring.",
		"updateAvailable":    "Versi baru tersedia dan sudah diaktifkan.",
		"retry":              "Coba lagi",
	},
}

var (
	builder = newBuilder()
	matcher = language.NewMatcher(supported)
)

func newBuilder() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for tag, msgs := range messages {
		for key, msg := range msgs {
			if err := b.SetString(tag, key, msg); err != nil {
				panic(err)
			}
		}
	}
	return b
}

// Supported returns the languages with a full message set.
func Supported() []language.Tag {
	return append([]language.Tag(nil), supported...)
}

// Match picks the best supported language for a configured value, which may
// be a single tag ("id") or an Accept-Language list ("id-ID,en;q=0.8").
func Match(lang string) language.Tag {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return language.English
	}
	tags, _, err := language.ParseAcceptLanguage(lang)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx]
}

// Catalog renders message keys in one language. It satisfies the offline
// layer's Translator.
type Catalog struct {
	tag     language.Tag
	printer *message.Printer
}

func New(lang string) *Catalog {
	tag := Match(lang)
	return &Catalog{tag: tag, printer: message.NewPrinter(tag, message.Catalog(builder))}
}

// Lang is the resolved language tag.
func (c *Catalog) Lang() language.Tag { return c.tag }

// T returns the message for key. Unknown keys are returned unchanged.
func (c *Catalog) T(key string, args ...any) string {
	if _, ok := messages[language.English][key]; !ok {
		return key
	}
	return c.printer.Sprintf(key, args...)
}
