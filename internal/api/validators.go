package api

import (
	"regexp"
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var (
	currencyPattern   = regexp.MustCompile(`^[A-Za-z]{3}$`)
	couponCodePattern = regexp.MustCompile(`^\s*[A-Za-z0-9][A-Za-z0-9_-]{0,31}\s*$`)

	registerOnce sync.Once
)

// registerValidators adds the currency and couponcode binding tags to gin's validator
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return currencyPattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("couponcode", func(fl validator.FieldLevel) bool {
			return couponCodePattern.MatchString(fl.Field().String())
		})
	})
}
