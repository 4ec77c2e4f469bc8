package user

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
)

var (
	systemRoleTag  = "systemrole"
	systemRoleText = core.Texts{"en": "invalid system role", "fr": "rôle système invalide"}

	usernameOrEmailTag  = "username_or_email"
	usernameOrEmailText = core.Texts{"en": "one of username or email is required", "fr": "le nom d'utilisateur ou l'adresse e-mail est obligatoire"}

	// password policy
	pwdMinLen     = 8
	pwdMinLenTag  = "pwdminlen"
	pwdMinLenText = core.Texts{
		"en": fmt.Sprintf("password must contain at least %d characters", pwdMinLen),
		"fr": fmt.Sprintf("le mot de passe doit contenir au moins %d caractères", pwdMinLen),
	}

	pwdNoSpaceTag  = "pwdnospace"
	pwdNoSpaceText = core.Texts{"en": "password must not contain whitespace", "fr": "le mot de passe ne doit pas contenir d'espaces"}

	pwdNotAllNumTag  = "pwdnotallnum"
	pwdNotAllNumText = core.Texts{"en": "password cannot be entirely numeric", "fr": "le mot de passe ne peut pas être entièrement numérique"}

	pwdComplexityTag  = "pwdcplx"
	pwdComplexityText = core.Texts{
		"en": "password must contain at least 1 uppercase character, 1 lowercase character, 1 digit and 1 special character",
		"fr": "le mot de passe doit contenir au moins 1 majuscule, 1 minuscule, 1 chiffre et 1 caractère spécial",
	}
	specialRegex = regexp.MustCompile("[^A-Za-z0-9]")

	pwdMaxSim      = .7
	pwdAttrSimTag  = "pwdtoosim"
	pwdAttrSimText = core.Texts{"en": "password cannot be similar to user attributes", "fr": "le mot de passe ne peut pas ressembler aux informations de l'utilisateur"}

	pwdNoCommonTag  = "pwdnocommon"
	pwdNoCommonText = core.Texts{"en": "password is too common", "fr": "le mot de passe est trop courant"}

	commonPasswords   []string
	commonPasswordsMu sync.RWMutex
)

// InitValidators registers the user validators & their translations.
func InitValidators(validate *validator.Validate, uni *ut.UniversalTranslator) {
	_ = validate.RegisterValidation(systemRoleTag, systemRoleValidation)
	core.RegisterCustomTranslation(validate, uni, systemRoleTag, systemRoleText)

	validate.RegisterStructValidation(userStructValidation, NewUser{}, ChangePassword{}, ResetUserPassword{})
	core.RegisterCustomTranslation(validate, uni, usernameOrEmailTag, usernameOrEmailText)
	core.RegisterCustomTranslation(validate, uni, pwdMinLenTag, pwdMinLenText)
	core.RegisterCustomTranslation(validate, uni, pwdNoSpaceTag, pwdNoSpaceText)
	core.RegisterCustomTranslation(validate, uni, pwdNotAllNumTag, pwdNotAllNumText)
	core.RegisterCustomTranslation(validate, uni, pwdComplexityTag, pwdComplexityText)
	core.RegisterCustomTranslation(validate, uni, pwdAttrSimTag, pwdAttrSimText)
	core.RegisterCustomTranslation(validate, uni, pwdNoCommonTag, pwdNoCommonText)
}

// LoadCommonPasswords loads the gzipped list of common passwords found at name.
func LoadCommonPasswords(fsys fs.FS, name string, logger core.Logger) {
	file, err := fsys.Open(name)
	if err != nil {
		logger.Error("user.LoadCommonPasswords: opening "+name, err)
		return
	}
	defer func() { _ = file.Close() }()

	gzRdr, err := gzip.NewReader(file)
	if err != nil {
		logger.Error("user.LoadCommonPasswords: reading "+name, err)
		return
	}

	pwds := make([]string, 0, 1024)
	scanner := bufio.NewScanner(gzRdr)
	for scanner.Scan() {
		if pwd := strings.TrimSpace(scanner.Text()); pwd != "" {
			pwds = append(pwds, strings.ToLower(pwd))
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error("user.LoadCommonPasswords: scanning "+name, err)
	}
	sort.Strings(pwds)

	commonPasswordsMu.Lock()
	commonPasswords = pwds
	commonPasswordsMu.Unlock()
}

func isCommonPassword(pwd string) bool {
	commonPasswordsMu.RLock()
	defer commonPasswordsMu.RUnlock()

	lpwd := strings.ToLower(pwd)
	idx := sort.SearchStrings(commonPasswords, lpwd)
	return idx < len(commonPasswords) && commonPasswords[idx] == lpwd
}

// Custom Validators

// systemRoleValidation checks that the provided role is a known system role.
func systemRoleValidation(fl validator.FieldLevel) bool {
	return permission.ValidSystemRole(permission.SystemRole(fl.Field().String()))
}

// userStructValidation does struct level validation on the structs carrying a new password.
func userStructValidation(sl validator.StructLevel) {
	switch data := sl.Current().Interface().(type) {
	case NewUser:
		if len(data.Username) == 0 && len(data.Email) == 0 {
			sl.ReportError(data.Username, "username", "Username", usernameOrEmailTag, "")
			sl.ReportError(data.Email, "email", "Email", usernameOrEmailTag, "")
		}
		validatePassword(data.Password, data.Name, data.Username, data.Email, sl)
	case ChangePassword:
		validatePassword(data.Password, data.user.Name, data.user.Username, data.user.Email, sl)
	case ResetUserPassword:
		validatePassword(data.Password, "", "", "", sl)
	}
}

// validatePassword applies the password policy to provided password:
// - minLen: 8
// - no whitespace
// - no all numeric
// - complexity: 1 upper, 1 lower, 1 digit, 1 special
// - no user attrs similarity
// - no common password
func validatePassword(pwd, name, uname, email string, sl validator.StructLevel) {
	reportErr := func(tag string) {
		sl.ReportError(pwd, "password", "Password", tag, "")
	}

	var (
		digitCount         int
		hasUpper, hasLower bool
	)

	runes := []rune(pwd)
	if len(runes) < pwdMinLen {
		reportErr(pwdMinLenTag)
		return
	}
	for _, char := range runes {
		if unicode.IsSpace(char) {
			reportErr(pwdNoSpaceTag)
			return
		}
		if unicode.IsDigit(char) {
			digitCount++
		}
		if !hasUpper && unicode.IsUpper(char) {
			hasUpper = true
		}
		if !hasLower && unicode.IsLower(char) {
			hasLower = true
		}
	}

	if digitCount == len(runes) {
		reportErr(pwdNotAllNumTag)
		return
	}

	if !(hasUpper && hasLower && digitCount > 0 && specialRegex.MatchString(pwd)) {
		reportErr(pwdComplexityTag)
		return
	}

	getRatio := func(pass, usrAttr string) float64 {
		if usrAttr == "" {
			return 0
		}
		return difflib.NewMatcher(strings.Split(strings.ToLower(pass), ""), strings.Split(strings.ToLower(usrAttr), "")).QuickRatio()
	}
	if getRatio(pwd, name) >= pwdMaxSim ||
		getRatio(pwd, uname) >= pwdMaxSim ||
		getRatio(pwd, email) >= pwdMaxSim {
		reportErr(pwdAttrSimTag)
		return
	}

	if isCommonPassword(pwd) {
		reportErr(pwdNoCommonTag)
	}
}
