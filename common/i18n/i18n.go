// Package i18n is responsible for internationalization/translation handling and generation.
package i18n

var (
	// G is the shorthand for Gettext.
	G = func(msgid string) string { return msgid }
	// NG is the shorthand for NGettext.
	NG = func(msgid string, msgidPlural string, n uint32) string {
		if n == 1 {
			return msgid
		}
		return msgidPlural
	}
)

// InitI18nDomain selects the text domain of the program.
// TODO: load the message catalog of textDomain once translations are shipped.
func InitI18nDomain(textDomain string) {}
