package edgeproxy

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variables overriding config fields.
const EnvPrefix = "EDGEPROXY"

// LoadConfig reads a config file (YAML or TOML, selected by extension),
// applies EDGEPROXY_* environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing toml config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConfig, ext)
	}

	if err := ApplyEnvOverrides(cfg, EnvPrefix); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnvOverrides walks the struct's env-tagged fields and overrides them
// from PREFIX_<TAG> environment variables. Nested structs are walked
// recursively; maps and slices are left to the file formats.
func ApplyEnvOverrides(target interface{}, prefix string) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return ErrConfigurationNil
	}
	return applyEnvToStruct(rv.Elem(), prefix)
}

func applyEnvToStruct(rv reflect.Value, prefix string) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field, prefix); err != nil {
				return fmt.Errorf("error in field '%s': %w", fieldType.Name, err)
			}
			continue
		}

		envTag, exists := fieldType.Tag.Lookup("env")
		if !exists {
			continue
		}

		envName := strings.ToUpper(envTag)
		if prefix != "" {
			envName = prefix + "_" + envName
		}

		envValue := os.Getenv(envName)
		if envValue == "" {
			continue
		}

		converted, err := cast.FromType(envValue, field.Type())
		if err != nil {
			return fmt.Errorf("cannot convert %s to type %v: %w", envName, field.Type(), err)
		}
		if !field.CanSet() {
			return fmt.Errorf("%w: %s", ErrFieldNotSettable, fieldType.Name)
		}
		field.Set(reflect.ValueOf(converted))
	}
	return nil
}
