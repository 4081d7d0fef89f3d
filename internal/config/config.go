package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/capturenode/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every `env` tag when reading the environment.
const EnvPrefix = "CAPTURENODE_"

// LoadConfig loads configuration with proper precedence: CLI args > env vars > config file.
// opts must be a pointer to a struct; a string field named Config holds the
// TOML file path. If cmd is provided, flags explicitly set via CLI are kept.
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: expected pointer to struct, got %T", opts)
	}
	v = v.Elem()
	t := v.Type()

	changedFlags := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changedFlags[f.Name] = true
			}
		})
	}

	// eachField visits every field not overridden on the command line.
	eachField := func(fn func(field reflect.Value, fieldType reflect.StructField) error) error {
		for i := range v.NumField() {
			fieldType := t.Field(i)
			if changedFlags[fieldNameToFlag(fieldType.Name)] {
				continue
			}
			if err := fn(v.Field(i), fieldType); err != nil {
				return err
			}
		}
		return nil
	}

	if configPath := configPathOf(v); configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			var doc map[string]any
			if err := toml.Unmarshal(data, &doc); err != nil {
				return fmt.Errorf("failed to parse TOML config: %w", err)
			}
			err := eachField(func(field reflect.Value, fieldType reflect.StructField) error {
				tomlPath := fieldType.Tag.Get("toml")
				if tomlPath == "" {
					return nil
				}
				if value := getNestedValue(doc, tomlPath); value != nil {
					if !setFieldValue(field, value) {
						return fmt.Errorf("config key %s: cannot use %v (%T) for %s", tomlPath, value, value, field.Type())
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	return eachField(func(field reflect.Value, fieldType reflect.StructField) error {
		envKey := fieldType.Tag.Get("env")
		if envKey == "" {
			return nil
		}
		if envValue := os.Getenv(EnvPrefix + envKey); envValue != "" {
			if !setFieldValueFromString(field, envValue) {
				return fmt.Errorf("env %s%s: cannot parse %q as %s", EnvPrefix, envKey, envValue, field.Type())
			}
		}
		return nil
	})
}

func configPathOf(v reflect.Value) string {
	if f := v.FieldByName("Config"); f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return ""
}

// fieldNameToFlag converts a struct field name to a CLI flag name.
// Example: "SessionJobTimeoutMs" -> "session-job-timeout-ms", "Port" -> "port".
func fieldNameToFlag(fieldName string) string {
	var result []rune
	for i, r := range fieldName {
		if i > 0 && unicode.IsUpper(r) {
			result = append(result, '-')
		}
		result = append(result, unicode.ToLower(r))
	}
	return string(result)
}

// getNestedValue retrieves a value from nested map using dot notation.
func getNestedValue(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	current := data

	for i, part := range parts {
		if i == len(parts)-1 {
			return current[part]
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return nil
}

// setFieldValue assigns a decoded TOML value. It reports false when the
// value's type does not fit the field.
func setFieldValue(field reflect.Value, value any) bool {
	if !field.CanSet() {
		return false
	}

	switch field.Kind() {
	case reflect.String:
		s, ok := value.(string)
		if ok {
			field.SetString(s)
		}
		return ok
	case reflect.Bool:
		b, ok := value.(bool)
		if ok {
			field.SetBool(b)
		}
		return ok
	case reflect.Int, reflect.Int32, reflect.Int64:
		i, ok := toInt64(value)
		if ok && !field.OverflowInt(i) {
			field.SetInt(i)
			return true
		}
		return false
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		i, ok := toInt64(value)
		if ok && i >= 0 && !field.OverflowUint(uint64(i)) {
			field.SetUint(uint64(i))
			return true
		}
		return false
	case reflect.Slice:
		arr, ok := value.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			return false
		}
		slice := make([]string, 0, len(arr))
		for _, item := range arr {
			s, strOk := item.(string)
			if !strOk {
				return false
			}
			slice = append(slice, s)
		}
		field.Set(reflect.ValueOf(slice))
		return true
	}
	return false
}

func toInt64(value any) (int64, bool) {
	switch n := value.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// setFieldValueFromString sets a field value from string (for env vars).
func setFieldValueFromString(field reflect.Value, value string) bool {
	if !field.CanSet() {
		return false
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return false
		}
		field.SetInt(i)
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return false
		}
		field.SetUint(u)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return false
		}
		parts := strings.Split(value, ",")
		slice := make([]string, len(parts))
		for i, part := range parts {
			slice[i] = strings.TrimSpace(part)
		}
		field.Set(reflect.ValueOf(slice))
	default:
		return false
	}
	return true
}

// LoadLoggingConfig loads logging configuration from a TOML config file.
// Module levels may be given flat under [logging] or under [logging.modules].
// Returns the default config if the file doesn't exist or can't be parsed.
func LoadLoggingConfig(configPath string) logging.Config {
	cfg := logging.Config{
		Level:   "info",
		Format:  "text",
		Modules: make(map[string]string),
	}

	if configPath == "" {
		return cfg
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg
	}

	var raw struct {
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg
	}

	for key, value := range raw.Logging {
		switch v := value.(type) {
		case string:
			switch key {
			case "level":
				cfg.Level = v
			case "format":
				cfg.Format = v
			default:
				cfg.Modules[key] = v
			}
		case map[string]any:
			if key != "modules" {
				continue
			}
			for module, level := range v {
				if s, ok := level.(string); ok {
					cfg.Modules[module] = s
				}
			}
		}
	}

	return cfg
}
