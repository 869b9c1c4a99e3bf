package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks struct tags first, then the rules that depend on more than one field.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Database.Type {
	case "sqlite":
		if cfg.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path: required when database.type is sqlite")
		}
	case "postgres":
		if cfg.Database.Postgres.Host == "" || cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres: host and database are required when database.type is postgres")
		}
	}

	if cfg.Properties.Backend == "redis" && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address: required when properties.backend is redis")
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return fmt.Errorf("validation error: %w", err)
}
