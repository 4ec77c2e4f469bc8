package school

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/permission"
)

var (
	schoolRoleTag  = "schoolrole"
	schoolRoleText = core.Texts{"en": "invalid school role", "fr": "rôle invalide"}
)

// InitValidators registers the school validators & their translations.
func InitValidators(validate *validator.Validate, uni *ut.UniversalTranslator) {
	_ = validate.RegisterValidation(schoolRoleTag, schoolRoleValidation)
	core.RegisterCustomTranslation(validate, uni, schoolRoleTag, schoolRoleText)
}

func schoolRoleValidation(fl validator.FieldLevel) bool {
	return permission.ValidSchoolRole(permission.SchoolRole(fl.Field().String()))
}
