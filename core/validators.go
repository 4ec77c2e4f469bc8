package core

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/locales/en"
	"github.com/go-playground/locales/fr"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	fr_translations "github.com/go-playground/validator/v10/translations/fr"
)

// Texts holds a translated text per locale, eg. {"en": "...", "fr": "..."}.
type Texts map[string]string

var (
	// Locales lists the supported locales; the first one is the fallback.
	Locales = []string{"en", "fr"}

	// custom validation tags & texts
	alphaNumUnderTag   = "alphanum_"
	alphaNumUnderText  = Texts{"en": "only alphanumeric characters and underscores are allowed", "fr": "seuls les caractères alphanumériques et les tirets bas sont autorisés"}
	alphaNumUnderRegex = regexp.MustCompile(`^[\w\s]+$`)

	slugTag   = "slug"
	slugText  = Texts{"en": "only lowercase letters, digits and dashes are allowed", "fr": "seuls les lettres minuscules, chiffres et tirets sont autorisés"}
	slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

	requiredTag     = "required"
	requiredWithTag = "required_with"
	requiredText    = Texts{"en": "this field is required", "fr": "ce champ est obligatoire"}
)

// NewTranslators returns the universal translator holding every supported locale.
func NewTranslators() *ut.UniversalTranslator {
	_en := en.New()
	return ut.New(_en, _en, fr.New())
}

// Translator picks the best translator for an Accept-Language header value.
func Translator(uni *ut.UniversalTranslator, acceptLanguage string) ut.Translator {
	var langs []string
	for _, part := range strings.Split(acceptLanguage, ",") {
		lang := strings.ToLower(strings.TrimSpace(strings.SplitN(part, ";", 2)[0]))
		if lang == "" || lang == "*" {
			continue
		}
		langs = append(langs, strings.ReplaceAll(lang, "-", "_"))
		if i := strings.IndexAny(lang, "-_"); i > 0 {
			langs = append(langs, lang[:i])
		}
	}
	trans, _ := uni.FindTranslator(langs...)
	return trans
}

// InitValidators instantiates the validator for use.
func InitValidators(validate *validator.Validate, uni *ut.UniversalTranslator) {
	if trans, found := uni.GetTranslator("en"); found {
		_ = en_translations.RegisterDefaultTranslations(validate, trans)
	}
	if trans, found := uni.GetTranslator("fr"); found {
		_ = fr_translations.RegisterDefaultTranslations(validate, trans)
	}

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// register custom validators
	_ = validate.RegisterValidation(alphaNumUnderTag, alphaNumUnderValidation)
	RegisterCustomTranslation(validate, uni, alphaNumUnderTag, alphaNumUnderText)

	_ = validate.RegisterValidation(slugTag, slugValidation)
	RegisterCustomTranslation(validate, uni, slugTag, slugText)

	RegisterCustomTranslation(validate, uni, requiredTag, requiredText, true)
	RegisterCustomTranslation(validate, uni, requiredWithTag, requiredText, true)
}

// RegisterCustomTranslation registers a custom translation for the specified validation tag in every locale.
func RegisterCustomTranslation(validate *validator.Validate, uni *ut.UniversalTranslator, tag string, texts Texts, override ...bool) {
	var ovrd bool
	if len(override) > 0 {
		ovrd = override[0]
	}
	for _, locale := range Locales {
		trans, found := uni.GetTranslator(locale)
		if !found {
			continue
		}
		text, ok := texts[locale]
		if !ok {
			text = texts[Locales[0]]
		}
		_ = validate.RegisterTranslation(
			tag, trans,
			func(t ut.Translator) error { return t.Add(tag, text, ovrd) },
			func(t ut.Translator, fe validator.FieldError) string {
				s, _ := t.T(tag, fe.Field())
				return s
			},
		)
	}
}

// Custom Global Validators

// alphaNumUnderValidation only allows alphanumeric characters and underscores.
func alphaNumUnderValidation(fl validator.FieldLevel) bool {
	return alphaNumUnderRegex.MatchString(fl.Field().String())
}

// slugValidation only allows lowercase dash separated words.
func slugValidation(fl validator.FieldLevel) bool {
	return slugRegex.MatchString(fl.Field().String())
}
